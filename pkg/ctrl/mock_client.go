package ctrl

import "sync"

// MockClient is an in-memory Client for tests. It records what the provider
// reported and answers lookups from canned state.
type MockClient struct {
	mu sync.Mutex

	err              error
	nextDriveID      int64
	drivesByProvider map[string]int64
	shareTargets     map[string]string

	RegisteredDrives []RegisterDriveRequest
	DriveUpdates     []DriveUpdate
	ResumedTasks     []string
	CompletedTasks   []string
	ReportedCharges  [][]UsageCharge

	chargeResults  []UsageChargeResult
	chargeErr      error
	chargeErrCount int
}

func NewMockClient() *MockClient {
	return &MockClient{
		nextDriveID:      1,
		drivesByProvider: make(map[string]int64),
		shareTargets:     make(map[string]string),
	}
}

func (c *MockClient) SetError(err error) {
	c.err = err
}

func (c *MockClient) SetShareTarget(shareID, targetPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shareTargets[shareID] = targetPath
}

// SetChargeResults fixes what the next ReportUsage calls answer per charge.
func (c *MockClient) SetChargeResults(results []UsageChargeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chargeResults = results
}

// FailChargesTimes makes the next n ReportUsage calls fail with err.
func (c *MockClient) FailChargesTimes(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chargeErr = err
	c.chargeErrCount = n
}

func (c *MockClient) RegisterDrive(req RegisterDriveRequest) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if req.ProviderGeneratedID != nil {
		if _, ok := c.drivesByProvider[*req.ProviderGeneratedID]; ok {
			return 0, ErrConflict
		}
	}

	id := c.nextDriveID
	c.nextDriveID++
	if req.ProviderGeneratedID != nil {
		c.drivesByProvider[*req.ProviderGeneratedID] = id
	}

	c.RegisteredDrives = append(c.RegisteredDrives, req)

	return id, nil
}

func (c *MockClient) FindDriveByProviderID(providerID string) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.drivesByProvider[providerID]
	if !ok {
		return 0, ErrControlPlaneAPI
	}

	return id, nil
}

func (c *MockClient) UpdateDrive(update DriveUpdate) error {
	if c.err != nil {
		return c.err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.DriveUpdates = append(c.DriveUpdates, update)

	return nil
}

func (c *MockClient) TaskResumed(taskID string) error {
	if c.err != nil {
		return c.err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ResumedTasks = append(c.ResumedTasks, taskID)

	return nil
}

func (c *MockClient) TaskCompleted(taskID string) error {
	if c.err != nil {
		return c.err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.CompletedTasks = append(c.CompletedTasks, taskID)

	return nil
}

func (c *MockClient) ReportUsage(charges []UsageCharge) ([]UsageChargeResult, error) {
	if c.err != nil {
		return nil, c.err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.chargeErrCount > 0 {
		c.chargeErrCount--
		return nil, c.chargeErr
	}

	c.ReportedCharges = append(c.ReportedCharges, charges)

	results := make([]UsageChargeResult, len(charges))
	for i := range charges {
		if i < len(c.chargeResults) {
			results[i] = c.chargeResults[i]
		}
	}

	return results, nil
}

func (c *MockClient) ResolveShare(shareID string) (string, error) {
	if c.err != nil {
		return "", c.err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	target, ok := c.shareTargets[shareID]
	if !ok {
		return "", ErrControlPlaneAPI
	}

	return target, nil
}

func (c *MockClient) Err(err error) *MockClient {
	c.err = err
	return c
}
