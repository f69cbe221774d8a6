package daemon

import (
	"context"
	"encoding/json"

	"github.com/lukasstraub2/colod/internal/colo"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type clientHandler func(ctx context.Context, s *Server, req gjson.Result) ([]byte, error)

var handlers = map[string]clientHandler{
	"query-status":             handleQueryStatus,
	"query-store":              handleQueryStore,
	"set-store":                handleSetStore,
	"quit":                     handleQuit,
	"autoquit":                 handleAutoQuit,
	"start-migration":          handleStartMigration,
	"set-migration-start":      handleSetMigrationStart,
	"set-migration-switchover": handleSetMigrationSwitchover,
	"set-primary-failover":     handleSetPrimaryFailover,
	"set-secondary-failover":   handleSetSecondaryFailover,
	"set-yank":                 handleSetYank,
	"yank":                     handleYank,
	"stop":                     handleStop,
	"cont":                     handleCont,
	"set-peer":                 handleSetPeer,
	"query-peer":               handleQueryPeer,
	"clear-peer":               handleClearPeer,
}

func okReply(value interface{}) []byte {
	out, _ := sjson.SetBytes(nil, "return", value)
	return out
}

func errReply(err error) []byte {
	out, _ := sjson.SetBytes(nil, "error.desc", err.Error())
	return out
}

// dispatch parses one exec-colod request line and routes it either to a
// recognised handler or, for anything else, to the hypervisor channel as
// a command named by the exec-colod value, with the request's arguments
// member passed through. Other members of the request are not forwarded.
func (s *Server) dispatch(ctx context.Context, line []byte) []byte {
	if !gjson.ValidBytes(line) {
		return errReply(colo.ErrProtocol)
	}
	req := gjson.ParseBytes(line)
	command := req.Get("exec-colod").String()

	if handler, ok := handlers[command]; ok {
		reply, err := handler(ctx, s, req)
		if err != nil {
			return errReply(err)
		}
		return reply
	}
	return s.proxy(ctx, command, req)
}

func (s *Server) proxy(ctx context.Context, command string, req gjson.Result) []byte {
	var arguments map[string]interface{}
	if args := req.Get("arguments"); args.Exists() {
		if err := json.Unmarshal([]byte(args.Raw), &arguments); err != nil {
			return errReply(colo.ErrProtocol)
		}
	}
	result, err := s.ch.ExecuteNocheck(ctx, command, arguments)
	if err != nil {
		return errReply(err)
	}
	return result.Raw
}

func handleQueryStatus(ctx context.Context, s *Server, req gjson.Result) ([]byte, error) {
	status := s.orch.Status()
	out, err := sjson.SetBytes(nil, "return.primary", status.Primary)
	if err != nil {
		return nil, err
	}
	fields := map[string]interface{}{
		"replication":   status.Replication,
		"failed":        status.Failed,
		"peer_failed":   status.PeerFailed,
		"peer_failover": status.PeerFailover,
		"yellow":        status.Yellow,
		"peer_yellow":   status.PeerYellow,
		"qemu_quit":     status.QemuQuit,
		"transitioning": status.Transitioning,
		"peer":          status.Peer,
	}
	for k, v := range fields {
		out, err = sjson.SetBytes(out, "return."+k, v)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func handleQueryStore(ctx context.Context, s *Server, req gjson.Result) ([]byte, error) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	return okReply(s.store), nil
}

func handleSetStore(ctx context.Context, s *Server, req gjson.Result) ([]byte, error) {
	var value interface{}
	if err := json.Unmarshal([]byte(req.Get("store").Raw), &value); err != nil {
		return nil, colo.ErrProtocol
	}
	s.storeMu.Lock()
	s.store = map[string]interface{}{"store": value}
	s.storeMu.Unlock()
	return okReply(struct{}{}), nil
}

func handleQuit(ctx context.Context, s *Server, req gjson.Result) ([]byte, error) {
	if err := s.orch.RaiseQuit(); err != nil {
		return nil, err
	}
	return okReply(struct{}{}), nil
}

func handleAutoQuit(ctx context.Context, s *Server, req gjson.Result) ([]byte, error) {
	if err := s.orch.RaiseAutoQuit(); err != nil {
		return nil, err
	}
	return okReply(struct{}{}), nil
}

func handleStartMigration(ctx context.Context, s *Server, req gjson.Result) ([]byte, error) {
	if err := s.orch.RaiseStartMigration(); err != nil {
		return nil, err
	}
	return okReply(struct{}{}), nil
}

func parseCommands(req gjson.Result) ([]colo.Command, error) {
	var raw []struct {
		Execute   string                 `json:"execute"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(req.Get("commands").Raw), &raw); err != nil {
		return nil, colo.ErrProtocol
	}
	commands := make([]colo.Command, 0, len(raw))
	for _, r := range raw {
		commands = append(commands, colo.Command{Execute: r.Execute, Arguments: r.Arguments})
	}
	return commands, nil
}

func handleSetMigrationStart(ctx context.Context, s *Server, req gjson.Result) ([]byte, error) {
	commands, err := parseCommands(req)
	if err != nil {
		return nil, err
	}
	s.orch.SetMigrationStart(commands)
	return okReply(struct{}{}), nil
}

func handleSetMigrationSwitchover(ctx context.Context, s *Server, req gjson.Result) ([]byte, error) {
	commands, err := parseCommands(req)
	if err != nil {
		return nil, err
	}
	s.orch.SetMigrationSwitchover(commands)
	return okReply(struct{}{}), nil
}

func handleSetPrimaryFailover(ctx context.Context, s *Server, req gjson.Result) ([]byte, error) {
	commands, err := parseCommands(req)
	if err != nil {
		return nil, err
	}
	s.orch.SetFailoverPrimary(commands)
	return okReply(struct{}{}), nil
}

func handleSetSecondaryFailover(ctx context.Context, s *Server, req gjson.Result) ([]byte, error) {
	commands, err := parseCommands(req)
	if err != nil {
		return nil, err
	}
	s.orch.SetFailoverSecondary(commands)
	return okReply(struct{}{}), nil
}

func handleSetYank(ctx context.Context, s *Server, req gjson.Result) ([]byte, error) {
	var instances []string
	if err := json.Unmarshal([]byte(req.Get("instances").Raw), &instances); err != nil {
		return nil, colo.ErrProtocol
	}
	s.yankMu.Lock()
	s.yankInstances = instances
	s.yankMu.Unlock()
	return okReply(struct{}{}), nil
}

func handleYank(ctx context.Context, s *Server, req gjson.Result) ([]byte, error) {
	if err := s.ch.Yank(ctx, s.opTimeout); err != nil {
		return nil, err
	}
	return okReply(struct{}{}), nil
}

func handleStop(ctx context.Context, s *Server, req gjson.Result) ([]byte, error) {
	result, err := s.ch.ExecuteNocheck(ctx, "stop", nil)
	if err != nil {
		return nil, err
	}
	return result.Raw, nil
}

func handleCont(ctx context.Context, s *Server, req gjson.Result) ([]byte, error) {
	result, err := s.ch.ExecuteNocheck(ctx, "cont", nil)
	if err != nil {
		return nil, err
	}
	return result.Raw, nil
}

func handleSetPeer(ctx context.Context, s *Server, req gjson.Result) ([]byte, error) {
	s.orch.SetPeer(req.Get("peer").String())
	return okReply(struct{}{}), nil
}

func handleQueryPeer(ctx context.Context, s *Server, req gjson.Result) ([]byte, error) {
	return okReply(s.orch.QueryPeer()), nil
}

func handleClearPeer(ctx context.Context, s *Server, req gjson.Result) ([]byte, error) {
	s.orch.ClearPeer()
	return okReply(struct{}{}), nil
}
