package toolsurface

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/InstruktAI/teleclaude/internal/errs"
	"github.com/InstruktAI/teleclaude/internal/model"
)

// invoke decodes req.Args for the named RPC and calls the matching Surface
// method. It returns either a single result (marshaled by the caller) or a
// chunk slice for the two streaming RPCs (send_message, observe_session).
func (s *Surface) invoke(ctx context.Context, req Envelope, caller Caller) (result any, streamed []model.OutputChunk, err error) {
	switch req.RPC {
	case "list_computers":
		computers, err := s.ListComputers(ctx)
		return computers, nil, err

	case "list_projects":
		var args struct {
			Computer string `json:"computer"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, nil, errs.Wrap(errs.PermanentTransport, "decode list_projects args", err)
		}
		projects, err := s.ListProjects(ctx, args.Computer)
		return projects, nil, err

	case "list_sessions":
		var filter model.Filter
		if len(req.Args) > 0 {
			if err := json.Unmarshal(req.Args, &filter); err != nil {
				return nil, nil, errs.Wrap(errs.PermanentTransport, "decode list_sessions args", err)
			}
		}
		sessions, err := s.ListSessions(ctx, filter)
		return sessions, nil, err

	case "start_session":
		var args StartSessionArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, nil, errs.Wrap(errs.PermanentTransport, "decode start_session args", err)
		}
		sessionID, err := s.StartSession(ctx, args, caller)
		if err != nil {
			return nil, nil, err
		}
		return struct {
			SessionID string `json:"session_id"`
		}{SessionID: sessionID}, nil, nil

	case "send_message":
		var args struct {
			SessionID             string `json:"session_id"`
			Message                string `json:"message"`
			InterestWindowSeconds int    `json:"interest_window_seconds"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, nil, errs.Wrap(errs.PermanentTransport, "decode send_message args", err)
		}
		chunks, err := s.SendMessage(ctx, args.SessionID, args.Message, args.InterestWindowSeconds)
		return nil, chunks, err

	case "get_session_status":
		var args struct {
			SessionID     string `json:"session_id"`
			SinceSequence int64  `json:"since_sequence"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, nil, errs.Wrap(errs.PermanentTransport, "decode get_session_status args", err)
		}
		status, err := s.GetSessionStatus(ctx, args.SessionID, args.SinceSequence)
		return status, nil, err

	case "end_session":
		var args struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, nil, errs.Wrap(errs.PermanentTransport, "decode end_session args", err)
		}
		err = s.EndSession(ctx, args.SessionID, caller)
		return struct{}{}, nil, err

	case "observe_session":
		var args struct {
			SessionID             string `json:"session_id"`
			FromSequence           int64 `json:"from_sequence"`
			InterestWindowSeconds int    `json:"interest_window_seconds"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, nil, errs.Wrap(errs.PermanentTransport, "decode observe_session args", err)
		}
		chunks, err := s.ObserveSession(ctx, args.SessionID, args.FromSequence, args.InterestWindowSeconds)
		return nil, chunks, err

	default:
		return nil, nil, errs.New(errs.PermanentTransport, fmt.Sprintf("unknown rpc %q", req.RPC))
	}
}
