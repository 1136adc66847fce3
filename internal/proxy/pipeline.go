package proxy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/AssetsArt/nylon/internal/errors"
	"github.com/AssetsArt/nylon/internal/logging"
	"github.com/AssetsArt/nylon/internal/plugin"
	"github.com/AssetsArt/nylon/internal/route"
)

// defaultPhaseTimeout bounds a plugin phase when no per-phase policy is
// configured.
const defaultPhaseTimeout = 500 * time.Millisecond

// RunPhase drives one middleware phase over the route's chain, in
// declared order. A plugin END sets ctx.ended and stops the chain.
func RunPhase(ctx *Context, ex *Exchange, phase plugin.Phase) error {
	if ctx.Route == nil || ctx.ended {
		return nil
	}

	for _, item := range ctx.Route.Middleware() {
		if item.Plugin == "" {
			continue
		}
		if isBuiltin(item.Plugin) {
			if err := runBuiltin(item.Plugin, phase, ctx, ex.R, item.Payload, ctx.Route.PayloadAST); err != nil {
				return err
			}
			continue
		}

		ended, err := runWithPolicy(ctx, ex, &item, phase)
		if err != nil {
			return err
		}
		if ended {
			ctx.ended = true
			return nil
		}
	}
	return nil
}

// runWithPolicy maps a middleware failure through the item's on_error
// policy: Retry reruns the session and falls through to the next rule
// when exhausted, Continue swallows, Abort propagates.
func runWithPolicy(ctx *Context, ex *Exchange, item *route.Middleware, phase plugin.Phase) (bool, error) {
	ffi, messaging, err := plugin.Resolve(item.Plugin)
	if err != nil {
		return false, err
	}

	policy := plugin.PhasePolicy{OnError: plugin.OnErrorAbort, Retry: plugin.DefaultRetryPolicy()}
	if messaging != nil {
		policy = messaging.PhasePolicy(phase)
	}

	ended, err := runPluginSession(ctx, ex, item, phase, ffi, messaging, policy.Timeout)
	if err == nil {
		return ended, nil
	}

	switch policy.OnError {
	case plugin.OnErrorContinue:
		logging.Warn("middleware error ignored",
			zap.String("plugin", item.Plugin),
			zap.String("phase", phase.String()),
			zap.Error(err))
		return false, nil

	case plugin.OnErrorRetry:
		for attempt := 1; attempt < policy.Retry.MaxAttempts; attempt++ {
			time.Sleep(policy.Retry.BackoffDelay(attempt))
			ended, err = runPluginSession(ctx, ex, item, phase, ffi, messaging, policy.Timeout)
			if err == nil {
				return ended, nil
			}
		}
		// Exhausted: fall through to the next rule.
		logging.Warn("middleware retries exhausted",
			zap.String("plugin", item.Plugin),
			zap.String("phase", phase.String()),
			zap.Error(err))
		return false, nil

	default:
		return false, err
	}
}

// runPluginSession opens (or resumes) a session for one (plugin, entry)
// pair and runs the receive loop until NEXT, END, stream end or the
// phase deadline.
func runPluginSession(ctx *Context, ex *Exchange, item *route.Middleware, phase plugin.Phase, ffi *plugin.FfiPlugin, messaging *plugin.MessagingPlugin, timeout time.Duration) (bool, error) {
	sessionKey := item.Plugin + "-" + item.Entry
	sessionID, ok := ctx.SessionIDs[sessionKey]
	if !ok {
		sessionID = plugin.NewSessionID()
		ctx.SessionIDs[sessionKey] = sessionID
	}

	var transport plugin.Transport
	if ffi != nil {
		local, err := plugin.OpenLocal(ffi, sessionID, item.Entry)
		if err != nil {
			return false, err
		}
		transport = local
		defer local.Close()
	} else {
		mt := plugin.OpenMessaging(messaging, sessionID, phase)
		transport = mt
		defer mt.Close()
		// The bus carrier is request/reply: the phase-start exchange
		// produces the first invocation. During the body filter the
		// start event carries the chunk under filter.
		var startData []byte
		if phase == plugin.PhaseResponseBodyFilter {
			startData = ctx.ResponseBody
		}
		if err := transport.SendEvent(phase, 0, startData); err != nil {
			return false, err
		}
	}

	if timeout <= 0 {
		timeout = defaultPhaseTimeout
	}
	deadline, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	env := &sessionEnv{
		ctx:        ctx,
		ex:         ex,
		transport:  transport,
		phase:      phase,
		payload:    item.Payload,
		payloadAST: ctx.Route.PayloadAST,
	}

	for {
		// An upgraded WebSocket session outlives the phase budget: once
		// the connection is hijacked the receive loop runs unbounded.
		var recvCtx context.Context = deadline
		if ctx.hijacked {
			recvCtx = context.Background()
		}
		inv, err := transport.Recv(recvCtx)
		if err != nil {
			if recvCtx.Err() != nil {
				return false, errors.Newf(errors.KindMessaging, "plugin %s phase %s timed out", item.Plugin, phase)
			}
			return false, err
		}

		result, err := processMethod(env, inv)
		if err != nil {
			return false, err
		}
		if result != nil {
			return result.HTTPEnd, nil
		}
	}
}
