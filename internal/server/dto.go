package server

// CreateDealRequest is the POST /deals payload.
type CreateDealRequest struct {
	ProjectID  string  `json:"projectId"`
	Name       string  `json:"name"`
	Customer   string  `json:"customer,omitempty"`
	Owner      string  `json:"owner,omitempty"`
	Stage      string  `json:"stage,omitempty"`
	Amount     float64 `json:"amount,omitempty"`
	Currency   string  `json:"currency,omitempty"`
	FollowupAt string  `json:"nextFollowupAt,omitempty" format:"date"`
	Note       string  `json:"note,omitempty"`
	Source     string  `json:"source,omitempty"`
}

// TransitionRequest is the POST /deals/{id}/transition payload.
type TransitionRequest struct {
	Stage    string `json:"stage"`
	Deadline string `json:"deadline,omitempty" format:"date"`
	Note     string `json:"note,omitempty"`
	Source   string `json:"source,omitempty"`
}

// ClassifyRequest is the POST /deals/{id}/classify payload.
type ClassifyRequest struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}
