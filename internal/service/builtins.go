package service

import (
	"context"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog/log"
)

type startChildRequest struct {
	SocketAddress string `mapstructure:"socket_address"`
}

type stopChildRequest struct {
	ChildID string `mapstructure:"child_id"`
}

func answerOK() map[string]any {
	return map[string]any{"data": "ok"}
}

func answerError(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

func decodeData(in any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (n *Node) registerBuiltins() {
	n.Handle("request_ping", func(context.Context, Input) map[string]any {
		return answerOK()
	})
	n.Handle("request_get_status", func(context.Context, Input) map[string]any {
		return map[string]any{"data": "running"}
	})
	n.Handle("request_stop", func(context.Context, Input) map[string]any {
		n.closing = true
		return map[string]any{"data": "closing"}
	})
	n.Handle("request_list_children", func(context.Context, Input) map[string]any {
		return map[string]any{"data": n.Children()}
	})
	n.Handle("request_start_child", n.requestStartChild)
	n.Handle("request_stop_child", n.requestStopChild)
	n.Handle("on_answer_ok", func(_ context.Context, in Input) map[string]any {
		log.Debug().Str("node", n.cfg.ID).Str("child", in.Answer.ChildID).Interface("data", in.Answer.Data).
			Msg("service.Node answer ok")
		return nil
	})
	n.Handle("on_answer_stop_child", n.onAnswerStopChild)
}

func (n *Node) requestStartChild(ctx context.Context, in Input) map[string]any {
	var req startChildRequest
	if err := decodeData(in.Data, &req); err != nil {
		return answerError(err)
	}
	if req.SocketAddress == "" {
		return answerError(fmt.Errorf("%w: missing socket_address", ErrInvalidConfig))
	}
	id, err := n.StartChild(ctx, req.SocketAddress)
	if err != nil {
		return answerError(err)
	}
	return map[string]any{"data": id}
}

func (n *Node) requestStopChild(_ context.Context, in Input) map[string]any {
	var req stopChildRequest
	if err := decodeData(in.Data, &req); err != nil {
		return answerError(err)
	}
	if err := n.StopChild(req.ChildID); err != nil {
		return answerError(err)
	}
	return map[string]any{"data": "stopping"}
}

// onAnswerStopChild removes the child once it acknowledged the stop. A
// timed out or failed stop keeps the proxy.
func (n *Node) onAnswerStopChild(ctx context.Context, in Input) map[string]any {
	childID, _ := in.Data.(string)
	if in.Answer.Error != "" {
		if p, ok := n.children[childID]; ok && p.Status == ChildStopping {
			p.Status = ChildRunning
		}
		return nil
	}
	n.removeChild(ctx, childID, "stopped")
	return nil
}
