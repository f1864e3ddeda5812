package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// DefaultGraphURL is the Microsoft Graph sendMail endpoint of the signed-in user.
const DefaultGraphURL = "https://graph.microsoft.com/v1.0/me/sendMail"

// GraphTransport sends through Microsoft Graph with a delegated OAuth token.
type GraphTransport struct {
	client   *http.Client
	endpoint string
	logger   *zap.Logger
}

// NewGraphTransport returns a transport whose requests carry a token from ts,
// refreshed on demand.
func NewGraphTransport(ctx context.Context, ts oauth2.TokenSource, endpoint string, logger *zap.Logger) *GraphTransport {
	if endpoint == "" {
		endpoint = DefaultGraphURL
	}
	return &GraphTransport{
		client:   oauth2.NewClient(ctx, ts),
		endpoint: endpoint,
		logger:   logger,
	}
}

func (t *GraphTransport) Name() string { return "graph" }

type graphAddress struct {
	EmailAddress struct {
		Address string `json:"address"`
		Name    string `json:"name,omitempty"`
	} `json:"emailAddress"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphMessage struct {
	Subject           string         `json:"subject"`
	Body              graphBody      `json:"body"`
	ToRecipients      []graphAddress `json:"toRecipients"`
	InternetMessageID string         `json:"internetMessageId,omitempty"`
}

type graphSendMail struct {
	Message         graphMessage `json:"message"`
	SaveToSentItems bool         `json:"saveToSentItems"`
}

func (t *GraphTransport) Send(ctx context.Context, msg *Message) error {
	var to graphAddress
	to.EmailAddress.Address = msg.To

	body := graphBody{ContentType: "HTML", Content: msg.HTML}
	if msg.HTML == "" {
		body = graphBody{ContentType: "Text", Content: msg.Text}
	}

	payload, err := json.Marshal(graphSendMail{
		Message: graphMessage{
			Subject:           msg.Subject,
			Body:              body,
			ToRecipients:      []graphAddress{to},
			InternetMessageID: msg.MessageID,
		},
		SaveToSentItems: true,
	})
	if err != nil {
		return &DeliveryError{Message: fmt.Sprintf("encode graph message: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return &DeliveryError{Message: fmt.Sprintf("build graph request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return &DeliveryError{Temporary: true, Message: fmt.Sprintf("oauth token refresh failed: %v", err)}
		}
		return &DeliveryError{Temporary: true, Message: fmt.Sprintf("graph request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		t.logger.Debug("message submitted to graph",
			zap.String("to", msg.To),
			zap.String("message_id", msg.MessageID),
		)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &DeliveryError{
		Temporary: graphStatusTemporary(resp.StatusCode),
		Code:      resp.StatusCode,
		Message:   fmt.Sprintf("Graph API %d: %s", resp.StatusCode, bytes.TrimSpace(detail)),
	}
}

// graphStatusTemporary reports whether a non-2xx Graph status may succeed on
// retry. Authorization failures belong to the sender, so they are retried
// rather than bounced.
func graphStatusTemporary(status int) bool {
	switch {
	case status >= 500:
		return true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return true
	}
	return false
}
