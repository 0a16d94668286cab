package ctrl

import "errors"

// ErrConflict is returned by RegisterDrive when the control plane already
// has a drive registered under the same provider-generated id.
var ErrConflict = errors.New("drive already registered")

type RegisterDriveRequest struct {
	Title               string  `json:"title"`
	ProviderGeneratedID *string `json:"providerGeneratedId,omitempty"`
	ProductCategory     string  `json:"productCategory"`
	OwnedByProject      *string `json:"ownedByProject,omitempty"`
	CreatedByUser       *string `json:"createdByUser,omitempty"`
}

type DriveUpdate struct {
	CollectionID      int64 `json:"collectionId"`
	InMaintenanceMode bool  `json:"inMaintenanceMode"`
}

// ChargeOwner identifies who pays for a usage charge. Exactly one of
// Username and Project is set.
type ChargeOwner struct {
	Username *string `json:"username,omitempty"`
	Project  *string `json:"project,omitempty"`
}

type UsageCharge struct {
	Owner    ChargeOwner `json:"owner"`
	Category string      `json:"category"`
	Units    int64       `json:"units"`
}

type UsageChargeResult struct {
	InsufficientFunds bool `json:"insufficientFunds"`
}

// Client is the outbound surface to the control plane and its accounting
// service. Everything the provider reports or asks for goes through here.
type Client interface {
	// RegisterDrive allocates a virtual drive id. Returns ErrConflict when
	// the provider-generated id is already registered.
	RegisterDrive(req RegisterDriveRequest) (int64, error)
	// FindDriveByProviderID looks up the virtual id the control plane has
	// on record for a provider-generated id.
	FindDriveByProviderID(providerID string) (int64, error)
	UpdateDrive(update DriveUpdate) error
	TaskResumed(taskID string) error
	TaskCompleted(taskID string) error
	// ReportUsage sends one bulk charge request. The result slice is
	// positional with the charges.
	ReportUsage(charges []UsageCharge) ([]UsageChargeResult, error)
	// ResolveShare maps a share id to the virtual path it points at.
	ResolveShare(shareID string) (string, error)
}
