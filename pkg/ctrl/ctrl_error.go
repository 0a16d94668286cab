package ctrl

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-resty/resty/v2"
)

var ErrControlPlaneAPI = errors.New("control plane api")

// ErrorResponse describes the JSON the control plane responds with when an
// API call fails.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"why"`
	RequestID string `json:"requestId"`
}

func ToErrorFromResponse(resp *resty.Response) (*ErrorResponse, error) {
	var errorResponse ErrorResponse
	if err := json.Unmarshal(resp.Body(), &errorResponse); err != nil {
		return nil, errors.Join(ErrControlPlaneAPI, fmt.Errorf("(HTTP Status: %d)- unable to parse json error response: %s", resp.StatusCode(), err))
	}

	return &errorResponse, errors.Join(ErrControlPlaneAPI, fmt.Errorf("(HTTP Status: %d)- %s: %s", resp.StatusCode(), errorResponse.Code, errorResponse.Message))
}
