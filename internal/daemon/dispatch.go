package daemon

import (
	"github.com/danmuck/capd/internal/protocol"
	"github.com/danmuck/capd/internal/protocol/frame"
	"github.com/danmuck/capd/internal/registry"
	"github.com/rs/zerolog/log"
)

// dispatch routes one decoded frame. Unknown names and handles produce no
// response; only an undecodable payload is an error, and that ends the
// connection.
func (s *Server) dispatch(c *conn, hdr frame.RequestHeader, payload []byte) error {
	switch hdr.Command {
	case frame.CmdAlive:
		c.respond(hdr.Seq, nil)

	case frame.CmdRegister:
		req, err := protocol.DecodeName(payload)
		if err != nil {
			return err
		}
		h, meta, ok := s.registry.Register(req.Name)
		if !ok {
			return nil
		}
		body, err := protocol.EncodeRegisterResponse(protocol.RegisterResponse{Sig: uint64(h), Spec: meta})
		if err != nil {
			s.registry.Unregister(req.Name, h)
			return err
		}
		c.track(req.Name, h)
		c.respond(hdr.Seq, body)

	case frame.CmdUnregister:
		req, err := protocol.DecodeName(payload)
		if err != nil {
			return err
		}
		if h, ok := c.untrack(req.Name); ok {
			s.registry.Unregister(req.Name, h)
		}

	case frame.CmdCall, frame.CmdOneWay:
		req, err := protocol.DecodeCall(payload)
		if err != nil {
			return err
		}
		call := registry.Call{Handle: registry.Handle(req.Sig), Func: req.Func, Args: req.Args}
		if hdr.Command == frame.CmdOneWay {
			s.registry.Execute(c.ctx, call, nil)
			return nil
		}
		seq := hdr.Seq
		s.registry.Execute(c.ctx, call, func(out string, ok bool) {
			if ok {
				c.respond(seq, []byte(out))
			}
		})

	case frame.CmdChainCall:
		req, err := protocol.DecodeChain(payload)
		if err != nil {
			return err
		}
		steps := make([]registry.Call, 0, len(req.Steps))
		for _, st := range req.Steps {
			steps = append(steps, registry.Call{Handle: registry.Handle(st.Sig), Func: st.Func, Args: st.Args})
		}
		seq := hdr.Seq
		s.registry.ChainExecute(c.ctx, steps, func(out string, ok bool) {
			if ok {
				c.respond(seq, []byte(out))
			}
		})

	default:
		return frame.ErrUnknownCommand
	}
	log.Trace().Str("id", c.id).Uint32("seq", hdr.Seq).Str("cmd", hdr.Command.String()).Msg("daemon.dispatch")
	return nil
}
