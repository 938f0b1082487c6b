package dpe

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/dpe/pkg/errors"
	"github.com/wehubfusion/dpe/pkg/message"
)

// Node control commands. Arguments follow the command name, separated by message.Separator.
const (
	CmdStartContainer = "startContainer"
	CmdStopContainer  = "stopContainer"
	CmdStartService   = "startService"
	CmdStopService    = "stopService"
	CmdSetFrontEnd    = "setFrontEnd"
	CmdSetSession     = "setSession"
	CmdPing           = "pingDpe"
	CmdReportJSON     = "reportJson"
	CmdReportRuntime  = "reportRuntime"
	CmdStop           = "stopDpe"

	// CmdContainerDown is sent by a container to its own node once it has stopped.
	CmdContainerDown = "containerDown"
)

type commandFunc func(n *Node, ctx context.Context, args []string) (string, error)

var commands = map[string]commandFunc{
	CmdStartContainer: (*Node).cmdStartContainer,
	CmdStopContainer:  (*Node).cmdStopContainer,
	CmdStartService:   (*Node).cmdStartService,
	CmdStopService:    (*Node).cmdStopService,
	CmdSetFrontEnd:    (*Node).cmdSetFrontEnd,
	CmdSetSession:     (*Node).cmdSetSession,
	CmdPing:           func(n *Node, _ context.Context, _ []string) (string, error) { return toJSON(n.Alive()) },
	CmdReportJSON:     func(n *Node, _ context.Context, _ []string) (string, error) { return toJSON(n.Report()) },
	CmdReportRuntime:  func(n *Node, _ context.Context, _ []string) (string, error) { return toJSON(n.Runtime()) },
	CmdStop:           (*Node).cmdStop,
}

// handleControl runs a command received on the node topic and answers it when the
// message carries a reply address. Rejected commands never stop the node.
func (n *Node) handleControl(ctx context.Context, msg *message.Message) {
	tokens := msg.Tokens()
	if len(tokens) == 0 || tokens[0] == "" {
		n.env.replyText(ctx, msg, "", sdkerrors.NewCommandError("empty command", sdkerrors.ErrInvalidCommand))
		return
	}
	if tokens[0] == CmdContainerDown {
		if len(tokens) > 1 {
			n.containerDown(tokens[1])
		}
		return
	}

	cmd, ok := commands[tokens[0]]
	if !ok {
		err := sdkerrors.NewCommandError("unknown command "+tokens[0], sdkerrors.ErrInvalidCommand)
		n.logger.Warn("Rejected control command", zap.String("command", tokens[0]), zap.Error(err))
		n.env.replyText(ctx, msg, "", err)
		return
	}
	result, err := cmd(n, ctx, tokens[1:])
	if err != nil {
		n.logger.Warn("Control command failed", zap.String("command", msg.Text()), zap.Error(err))
	} else {
		n.logger.Debug("Control command done", zap.String("command", tokens[0]))
	}
	n.env.replyText(ctx, msg, result, err)
}

func (n *Node) cmdStartContainer(ctx context.Context, args []string) (string, error) {
	if err := requireArgs(CmdStartContainer, args, 1); err != nil {
		return "", err
	}
	poolSize, err := optionalInt(args, 1, "poolSize")
	if err != nil {
		return "", err
	}
	c, err := n.StartContainer(ctx, args[0], poolSize, arg(args, 2))
	if err != nil {
		return "", err
	}
	return c.Name(), nil
}

func (n *Node) cmdStopContainer(ctx context.Context, args []string) (string, error) {
	if err := requireArgs(CmdStopContainer, args, 1); err != nil {
		return "", err
	}
	if err := n.StopContainer(ctx, args[0]); err != nil {
		return "", err
	}
	return ContainerName(n.name, args[0]), nil
}

func (n *Node) cmdStartService(ctx context.Context, args []string) (string, error) {
	if err := requireArgs(CmdStartService, args, 3); err != nil {
		return "", err
	}
	poolSize, err := optionalInt(args, 3, "poolSize")
	if err != nil {
		return "", err
	}
	svc, err := n.StartService(ctx, args[0], args[1], args[2], poolSize, arg(args, 4), arg(args, 5))
	if err != nil {
		return "", err
	}
	return svc.Name(), nil
}

func (n *Node) cmdStopService(ctx context.Context, args []string) (string, error) {
	if err := requireArgs(CmdStopService, args, 2); err != nil {
		return "", err
	}
	if err := n.StopService(ctx, args[0], args[1]); err != nil {
		return "", err
	}
	return ServiceName(n.name, args[0], args[1]), nil
}

func (n *Node) cmdSetFrontEnd(_ context.Context, args []string) (string, error) {
	if err := requireArgs(CmdSetFrontEnd, args, 3); err != nil {
		return "", err
	}
	port, err := strconv.Atoi(args[1])
	if err != nil {
		return "", sdkerrors.NewCommandError(fmt.Sprintf("invalid port %q", args[1]), sdkerrors.ErrInvalidCommand)
	}
	n.SetFrontEnd(args[0], port, args[2])
	return n.FrontEnd(), nil
}

func (n *Node) cmdSetSession(_ context.Context, args []string) (string, error) {
	if err := requireArgs(CmdSetSession, args, 1); err != nil {
		return "", err
	}
	n.SetSession(args[0])
	return args[0], nil
}

// cmdStop answers before shutting down so the caller gets its reply.
func (n *Node) cmdStop(_ context.Context, _ []string) (string, error) {
	go func() {
		if err := n.Stop(context.Background()); err != nil {
			n.logger.Warn("Node stopped with errors", zap.Error(err))
		}
	}()
	return "stopping", nil
}

func requireArgs(cmd string, args []string, n int) error {
	if len(args) < n {
		return sdkerrors.NewCommandError(
			fmt.Sprintf("%s expects at least %d arguments, got %d", cmd, n, len(args)),
			sdkerrors.ErrInvalidCommand)
	}
	return nil
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func optionalInt(args []string, i int, name string) (int, error) {
	s := arg(args, i)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, sdkerrors.NewCommandError(fmt.Sprintf("invalid %s %q", name, s), sdkerrors.ErrInvalidCommand)
	}
	return v, nil
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
