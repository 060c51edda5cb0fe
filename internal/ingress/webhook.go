package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"soundbite/internal/pipeline"
)

// signatureHeader carries the base64 HMAC-SHA1 the board computes over the
// request body concatenated with the callback URL.
const signatureHeader = "X-Board-Webhook"

type webhookPayload struct {
	Action webhookAction `json:"action"`
}

type webhookAction struct {
	ID   string            `json:"id"`
	Type string            `json:"type"`
	Data webhookActionData `json:"data"`
}

type webhookActionData struct {
	Card  webhookCard  `json:"card"`
	Label webhookLabel `json:"label"`
	Text  string       `json:"text"`
}

type webhookCard struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type webhookLabel struct {
	Name string `json:"name"`
}

// verifySignature checks the board's webhook signature: HMAC-SHA1 keyed by
// the shared secret over body + callback URL, base64 encoded.
func verifySignature(secret string, body []byte, signature, callbackURL string) bool {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(callbackURL))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// callbackURL reconstructs the externally visible URL the board signed.
// Proxy headers win over the local host since the daemon usually sits behind
// a TLS-terminating reverse proxy.
func callbackURL(r *http.Request) string {
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "https"
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return proto + "://" + host + r.URL.Path
}

// normalize turns a raw webhook delivery into a pipeline event. A non-empty
// reason means the delivery is irrelevant to the pipeline and was dropped
// without consulting the orchestrator.
func (s *Server) normalize(ctx context.Context, hook webhookPayload, body []byte) (pipeline.Event, string, error) {
	actionType := hook.Action.Type
	if actionType != "addLabelToCard" && actionType != "commentCard" {
		return pipeline.Event{}, fmt.Sprintf("action type %q", actionType), nil
	}
	cardID := hook.Action.Data.Card.ID
	if cardID == "" {
		return pipeline.Event{}, "no card id", nil
	}

	if actionType == "commentCard" && strings.HasPrefix(hook.Action.Data.Text, "**") {
		return pipeline.Event{}, "bot comment", nil
	}

	card, err := s.board.GetCard(ctx, cardID)
	if err != nil {
		return pipeline.Event{}, "", fmt.Errorf("fetch card %s: %w", cardID, err)
	}
	catalog, err := s.shows.Catalog(ctx)
	if err != nil {
		return pipeline.Event{}, "", fmt.Errorf("load show catalog: %w", err)
	}
	profile, matched := catalog.Match(card.LabelNames())

	event := pipeline.Event{
		CardID:      cardID,
		CardName:    card.Name,
		Fingerprint: hook.Action.ID,
		Labels:      card.LabelNames(),
	}
	if event.Fingerprint == "" {
		sum := sha1.Sum(body)
		event.Fingerprint = hex.EncodeToString(sum[:])
	}
	if matched {
		event.ShowLabel = profile.Name
	}

	if actionType == "commentCard" {
		if !card.HasLabel(s.labels.Review) {
			return pipeline.Event{}, "card not in review", nil
		}
		if !matched {
			return pipeline.Event{}, "no show label", nil
		}
		event.Kind = pipeline.EventCommentPosted
		event.Text = hook.Action.Data.Text
		return event, "", nil
	}

	added := hook.Action.Data.Label.Name
	if strings.EqualFold(added, s.labels.Approved) {
		if !matched {
			return pipeline.Event{}, "no show label", nil
		}
		event.Kind = pipeline.EventApprovalGranted
		return event, "", nil
	}

	if !card.HasLabel(s.labels.Trigger) {
		return pipeline.Event{}, "no trigger label", nil
	}
	if !matched {
		return pipeline.Event{}, "no show label", nil
	}
	event.Kind = pipeline.EventLabelAdded
	return event, "", nil
}
