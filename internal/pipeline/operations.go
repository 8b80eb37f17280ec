package pipeline

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mixelka/nodefarm/internal/captcha"
	"github.com/mixelka/nodefarm/internal/email"
	"github.com/mixelka/nodefarm/internal/remote"
	"github.com/mixelka/nodefarm/pkg/models"
)

// captchaError means the solver gave no usable answer. The attempt is repeated on the same proxy.
type captchaError struct {
	kind   captcha.Kind
	reason string
}

func (e *captchaError) Error() string {
	return fmt.Sprintf("%s captcha not solved: %s", e.kind, e.reason)
}

func (r *Runner) register(ctx context.Context, op *operation) (map[string]any, error) {
	token, err := r.solveTurnstile(ctx, op, r.settings.RegisterCaptcha)
	if err != nil {
		return nil, err
	}

	if err := op.svc.Register(ctx, op.acct, token); err != nil {
		return nil, err
	}
	op.logger.Info("account registered, confirmation mail sent")

	// The account exists remotely now, a store failure must not trigger a second registration
	if _, err := r.store.UpsertSession(ctx, op.acct.Email, r.mailboxUpdate(op)); err != nil {
		op.logger.Error("failed to save session", "error", err)
	}
	return map[string]any{"registered": true}, nil
}

func (r *Runner) verify(ctx context.Context, op *operation) (map[string]any, error) {
	puzzle, answer, err := r.solvePuzzle(ctx, op)
	if err != nil {
		return nil, err
	}

	if err := op.svc.ResendVerification(ctx, op.acct, puzzle.ID, answer); err != nil {
		return nil, err
	}
	op.logger.Info("verification mail requested")

	link, err := r.mailbox.ExtractConfirmation(ctx, op.acct, op.proxy, email.WantLink)
	if err != nil {
		return nil, err
	}

	token, err := r.solveTurnstile(ctx, op, r.settings.VerifyCaptcha)
	if err != nil {
		return nil, err
	}
	if err := op.svc.VisitLink(ctx, link, token); err != nil {
		return nil, err
	}
	op.logger.Info("account verified")

	if _, err := r.store.UpsertSession(ctx, op.acct.Email, r.mailboxUpdate(op)); err != nil {
		op.logger.Error("failed to save session", "error", err)
	}
	return map[string]any{"verified": true}, nil
}

func (r *Runner) login(ctx context.Context, op *operation) (map[string]any, error) {
	puzzle, answer, err := r.solvePuzzle(ctx, op)
	if err != nil {
		return nil, err
	}

	res, err := op.svc.Login(ctx, op.acct, puzzle.ID, answer)
	if err != nil {
		return nil, err
	}

	tokens := res.Tokens
	if res.CodeRequired {
		op.logger.Info("login code required, checking mailbox")
		code, err := r.mailbox.ExtractConfirmation(ctx, op.acct, op.proxy, email.WantCode)
		if err != nil {
			return nil, err
		}
		if tokens, err = op.svc.ConfirmLogin(ctx, op.acct, code); err != nil {
			return nil, err
		}
	}

	upd := tokens.Update()
	mb := r.mailboxUpdate(op)
	upd.EmailPassword = mb.EmailPassword
	upd.Proxy = mb.Proxy
	if _, err := r.store.UpsertSession(ctx, op.acct.Email, upd); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	op.logger.Info("account logged in, session saved")

	return map[string]any{"user_id": tokens.UserID}, nil
}

func (r *Runner) completeTasks(ctx context.Context, op *operation) (map[string]any, error) {
	done, err := op.svc.CompleteTasks(ctx, op.acct, remote.TokensFromSession(op.session))
	if err != nil {
		return nil, err
	}
	op.logger.Info("tasks completed", "tasks", done)
	return map[string]any{"tasks": done}, nil
}

func (r *Runner) exportStats(ctx context.Context, op *operation) (map[string]any, error) {
	stats, err := op.svc.Stats(ctx, op.acct, remote.TokensFromSession(op.session))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"user_id": op.session.UserID.String,
		"stats":   stats,
	}, nil
}

func (r *Runner) farm(ctx context.Context, op *operation) (map[string]any, error) {
	if err := op.svc.Ping(ctx, op.acct, remote.TokensFromSession(op.session)); err != nil {
		return nil, err
	}

	until := r.now().Add(r.settings.PingInterval)
	if err := r.store.SetCooldown(ctx, op.acct.Email, until); err != nil {
		op.logger.Error("failed to set cooldown", "error", err)
	}
	op.logger.Info("ping sent", "next_ping", until.UTC().Format("15:04:05"))
	return map[string]any{"next_ping": until}, nil
}

func (r *Runner) mailboxUpdate(op *operation) models.SessionUpdate {
	upd := models.SessionUpdate{EmailPassword: models.String(op.acct.MailboxSecret())}
	if op.proxy != "" {
		upd.Proxy = models.String(op.proxy)
	}
	return upd
}

// solvePuzzle fetches the image puzzle and solves it
func (r *Runner) solvePuzzle(ctx context.Context, op *operation) (remote.Puzzle, string, error) {
	puzzle, err := op.svc.Puzzle(ctx, op.acct)
	if err != nil {
		return remote.Puzzle{}, "", err
	}

	task := r.solve(ctx, op, captcha.Challenge{
		Kind:           captcha.KindImage,
		Image:          puzzle.Image,
		ExpectedLength: r.settings.PuzzleLength,
	})
	if !task.Solved {
		// A malformed answer was still billed
		if task.Answer != "" {
			r.reportBad(ctx, op, task.ID)
		}
		return puzzle, "", &captchaError{kind: captcha.KindImage, reason: task.Reason}
	}

	op.captchaTaskID = task.ID
	return puzzle, task.Answer, nil
}

// solveTurnstile returns an empty token when no site key is configured
func (r *Runner) solveTurnstile(ctx context.Context, op *operation, ch captcha.Challenge) (string, error) {
	if ch.SiteKey == "" {
		return "", nil
	}
	ch.Kind = captcha.KindTurnstile

	task := r.solve(ctx, op, ch)
	if !task.Solved {
		return "", &captchaError{kind: captcha.KindTurnstile, reason: task.Reason}
	}
	return task.Answer, nil
}

func (r *Runner) solve(ctx context.Context, op *operation, ch captcha.Challenge) captcha.Task {
	op.logger.Info("solving captcha", "kind", ch.Kind)

	task := r.solver.Solve(ctx, ch)
	r.metrics.CaptchaSolved(r.settings.CaptchaProvider, string(ch.Kind), task.Solved)
	if !task.Solved {
		op.logger.Warn("captcha not solved", "kind", ch.Kind, "reason", task.Reason)
	}
	return task
}

func (r *Runner) reportBad(ctx context.Context, op *operation, taskID string) {
	if taskID == "" {
		return
	}
	if err := r.solver.ReportBad(ctx, taskID); err != nil {
		op.logger.Warn("failed to report incorrect captcha", "task_id", taskID, "error", err)
		return
	}
	op.logger.Info("incorrect captcha reported", "task_id", taskID)
}

// redactProxy strips credentials for logging
func redactProxy(proxy string) string {
	u, err := url.Parse(proxy)
	if err != nil || u.User == nil {
		return proxy
	}
	return u.Redacted()
}
