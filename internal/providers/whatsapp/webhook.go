package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// VerifySignature checks the X-Hub-Signature-256 header against the raw
// callback body. Meta signs with HMAC-SHA256 over the exact payload bytes.
func VerifySignature(appSecret string, body []byte, header string) bool {
	provided, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}

// StatusUpdate is one delivery-status entry from a webhook callback.
type StatusUpdate struct {
	MessageID    string
	Status       string
	RecipientID  string
	ErrorCode    string
	ErrorMessage string
}

// callbackPayload mirrors the subset of the webhook envelope we care about:
// entry[].changes[].value.statuses[].
type callbackPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Statuses []struct {
					ID          string `json:"id"`
					Status      string `json:"status"`
					RecipientID string `json:"recipient_id"`
					Errors      []struct {
						Code  int    `json:"code"`
						Title string `json:"title"`
					} `json:"errors"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseStatuses flattens a webhook callback body into status updates.
// Non-status callbacks (inbound messages etc.) yield an empty slice.
func ParseStatuses(body []byte) ([]StatusUpdate, error) {
	var p callbackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	var updates []StatusUpdate
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			for _, st := range ch.Value.Statuses {
				u := StatusUpdate{
					MessageID:   st.ID,
					Status:      st.Status,
					RecipientID: st.RecipientID,
				}
				if len(st.Errors) > 0 {
					u.ErrorCode = strconv.Itoa(st.Errors[0].Code)
					u.ErrorMessage = st.Errors[0].Title
				}
				updates = append(updates, u)
			}
		}
	}
	return updates, nil
}
