package cms

import (
	"bytes"
	"encoding/json"
	"strconv"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	// ExpiresAt is epoch seconds.
	ExpiresAt int64 `json:"expires_at"`
}

type caseRecord struct {
	ID         string     `json:"_id"`
	Number     caseNumber `json:"ticket_id"`
	Name       string     `json:"name"`
	Score      int        `json:"score"`
	TenantName string     `json:"tenant_name"`
	ModifiedAt int64      `json:"modified_at"`
}

type casesResponse struct {
	Data struct {
		Cases []caseRecord `json:"cases"`
		Total int          `json:"total"`
	} `json:"data"`
}

type summaryResponse struct {
	Data string `json:"data"`
}

type alertDoc struct {
	ID     string `json:"_id"`
	Source struct {
		EventName string `json:"event_name"`
		XDREvent  struct {
			DisplayName string `json:"display_name"`
		} `json:"xdr_event"`
	} `json:"_source"`
}

type alertsResponse struct {
	Data struct {
		Docs []alertDoc `json:"docs"`
	} `json:"data"`
}

type caseUpdate struct {
	Status   string `json:"status,omitempty"`
	Assignee string `json:"assignee,omitempty"`
	Comment  string `json:"comments,omitempty"`
}

// caseNumber accepts the case number as a JSON number or string.
type caseNumber string

func (n *caseNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = caseNumber(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	if i, err := num.Int64(); err == nil {
		*n = caseNumber(strconv.FormatInt(i, 10))
		return nil
	}
	*n = caseNumber(num.String())
	return nil
}

func (n caseNumber) String() string {
	return string(n)
}
