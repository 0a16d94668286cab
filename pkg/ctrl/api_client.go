package ctrl

import (
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
)

// APIClient talks to the control plane over its provider-facing REST API.
type APIClient struct {
	client            *resty.Client
	lastErrorResponse *ErrorResponse
}

func NewAPIClient(baseURL, refreshToken string) *APIClient {
	return &APIClient{
		client: resty.New().
			SetBaseURL(baseURL).
			SetAuthToken(refreshToken),
	}
}

// GetErrorResponse returns the parsed error body of the last failed call,
// useful when the wrapped error string isn't enough.
func (c *APIClient) GetErrorResponse() *ErrorResponse {
	return c.lastErrorResponse
}

func (c *APIClient) RegisterDrive(req RegisterDriveRequest) (int64, error) {
	var result struct {
		ID int64 `json:"id"`
	}

	resp, err := c.client.R().
		SetBody(req).
		SetResult(&result).
		Post("/files/collections/register")
	if err != nil {
		return 0, err
	}

	if resp.StatusCode() == http.StatusConflict {
		return 0, ErrConflict
	}

	if resp.IsError() {
		return 0, c.apiError(resp)
	}

	return result.ID, nil
}

func (c *APIClient) FindDriveByProviderID(providerID string) (int64, error) {
	var result struct {
		ID int64 `json:"id"`
	}

	resp, err := c.client.R().
		SetQueryParam("filterProviderId", providerID).
		SetResult(&result).
		Get("/files/collections/browse")
	if err != nil {
		return 0, err
	}

	if resp.IsError() {
		return 0, c.apiError(resp)
	}

	return result.ID, nil
}

func (c *APIClient) UpdateDrive(update DriveUpdate) error {
	resp, err := c.client.R().
		SetBody(update).
		Post("/files/collections/update")
	if err != nil {
		return err
	}

	if resp.IsError() {
		return c.apiError(resp)
	}

	return nil
}

func (c *APIClient) TaskResumed(taskID string) error {
	return c.postTaskEvent(taskID, "resumed")
}

func (c *APIClient) TaskCompleted(taskID string) error {
	return c.postTaskEvent(taskID, "completed")
}

func (c *APIClient) postTaskEvent(taskID, event string) error {
	resp, err := c.client.R().
		SetBody(map[string]string{"taskId": taskID}).
		Post(fmt.Sprintf("/tasks/%s", event))
	if err != nil {
		return err
	}

	if resp.IsError() {
		return c.apiError(resp)
	}

	return nil
}

func (c *APIClient) ReportUsage(charges []UsageCharge) ([]UsageChargeResult, error) {
	var result struct {
		Responses []UsageChargeResult `json:"responses"`
	}

	resp, err := c.client.R().
		SetBody(map[string]interface{}{"items": charges}).
		SetResult(&result).
		Post("/accounting/charge")
	if err != nil {
		return nil, err
	}

	if resp.IsError() {
		return nil, c.apiError(resp)
	}

	if len(result.Responses) != len(charges) {
		return nil, fmt.Errorf("accounting returned %d responses for %d charges", len(result.Responses), len(charges))
	}

	return result.Responses, nil
}

func (c *APIClient) ResolveShare(shareID string) (string, error) {
	var result struct {
		TargetPath string `json:"targetPath"`
	}

	resp, err := c.client.R().
		SetResult(&result).
		Get(fmt.Sprintf("/shares/%s", shareID))
	if err != nil {
		return "", err
	}

	if resp.IsError() {
		return "", c.apiError(resp)
	}

	return result.TargetPath, nil
}

func (c *APIClient) apiError(resp *resty.Response) error {
	errorResponse, err := ToErrorFromResponse(resp)
	c.lastErrorResponse = errorResponse
	return err
}
