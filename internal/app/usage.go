package app

import (
	"context"
	"time"

	"github.com/MrWong99/voxnote/internal/observe"
	"github.com/MrWong99/voxnote/internal/transcript"
	"github.com/MrWong99/voxnote/internal/transcript/llmcorrect"
	"github.com/MrWong99/voxnote/pkg/provider/llm"
	"github.com/MrWong99/voxnote/pkg/store"
)

// usageTimeout bounds a single usage write so a slow backend cannot stall
// correction or command handling.
const usageTimeout = 5 * time.Second

// usageOracle counts the oracle calls of one session. Degraded results never
// reached a model and are not counted.
type usageOracle struct {
	next      transcript.Oracle
	rec       store.UsageRecorder
	sessionID string
}

var _ transcript.Oracle = (*usageOracle)(nil)

func (o *usageOracle) Correct(ctx context.Context, text string, prior []string) (llmcorrect.Result, error) {
	res, err := o.next.Correct(ctx, text, prior)
	if err == nil && !res.Degraded {
		record(ctx, o.rec, store.Usage{
			SessionID:        o.sessionID,
			Kind:             store.KindCorrection,
			Calls:            1,
			PromptTokens:     int64(res.Usage.PromptTokens),
			CompletionTokens: int64(res.Usage.CompletionTokens),
		})
	}
	return res, err
}

// usageProvider counts the rewrite calls the command interpreter makes for
// one session. Streams carry no token accounting, so only calls are counted
// for them.
type usageProvider struct {
	llm.Provider
	rec       store.UsageRecorder
	sessionID string
}

var _ llm.Provider = (*usageProvider)(nil)

func (p *usageProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch, err := p.Provider.StreamCompletion(ctx, req)
	if err == nil {
		record(ctx, p.rec, store.Usage{SessionID: p.sessionID, Kind: store.KindCommand, Calls: 1})
	}
	return ch, err
}

func (p *usageProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.Provider.Complete(ctx, req)
	if err == nil {
		record(ctx, p.rec, store.Usage{
			SessionID:        p.sessionID,
			Kind:             store.KindCommand,
			Calls:            1,
			PromptTokens:     int64(resp.Usage.PromptTokens),
			CompletionTokens: int64(resp.Usage.CompletionTokens),
		})
	}
	return resp, err
}

func record(ctx context.Context, rec store.UsageRecorder, u store.Usage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageTimeout)
	defer cancel()
	if err := rec.RecordUsage(ctx, u); err != nil {
		observe.Logger(ctx).Warn("app: record usage failed", "session", u.SessionID, "kind", u.Kind, "err", err)
	}
}
