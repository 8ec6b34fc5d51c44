package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quangdang/credmarket-backend/pkg/logger"
)

// ErrInsufficientUnits reports that the pool held fewer available units than
// requested, regardless of what the stock counter claimed.
var ErrInsufficientUnits = errors.New("insufficient available credential units")

// Credential is the parsed buyer-visible content of a unit's blob.
type Credential struct {
	Username string
	Password string
}

type credentialBlob struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Sold     *bool  `json:"sold,omitempty"`
}

// Parse decodes a unit's opaque blob. The second return mirrors the legacy
// embedded sold flag; an absent flag means available.
func Parse(data []byte) (Credential, bool, error) {
	var blob credentialBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return Credential{}, false, fmt.Errorf("parsing credential blob: %w", err)
	}
	if blob.Username == "" {
		return Credential{}, false, fmt.Errorf("credential blob missing username")
	}
	sold := blob.Sold != nil && *blob.Sold
	return Credential{Username: blob.Username, Password: blob.Password}, sold, nil
}

// AllocatedUnit pairs a pool unit with its parsed credential.
type AllocatedUnit struct {
	UnitID     int64
	Credential Credential
}

// Allocator selects available units from a variant's pool for an order.
// Selection is optimistic: units are stamped with a reserved-by marker but not
// locked, and the sold flag is only set after payment settles. Two concurrent
// orders can therefore pick the same unit; settlement detects and logs the
// collision after the fact.
type Allocator struct {
	repo Repository
	logg *logger.Logger
}

// NewAllocator wires an allocator over the credential repository.
func NewAllocator(repo Repository, logg *logger.Logger) (*Allocator, error) {
	if repo == nil {
		return nil, errors.New("credential repository is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Allocator{repo: repo, logg: logg}, nil
}

// Allocate scans the variant pool in ascending id order and collects the first
// quantity available units. Malformed blobs are skipped and counted for
// diagnostics. Returns ErrInsufficientUnits when the pool runs dry.
func (a *Allocator) Allocate(ctx context.Context, variantID, orderID int64, quantity int) ([]AllocatedUnit, error) {
	units, err := a.repo.ListByVariant(ctx, variantID)
	if err != nil {
		return nil, fmt.Errorf("listing credential units: %w", err)
	}

	allocated := make([]AllocatedUnit, 0, quantity)
	malformed := 0
	for _, unit := range units {
		if len(allocated) == quantity {
			break
		}
		if unit.Sold {
			continue
		}
		credential, legacySold, parseErr := Parse(unit.Data)
		if parseErr != nil {
			malformed++
			continue
		}
		if legacySold {
			continue
		}
		if err := a.repo.MarkReserved(ctx, unit.ID, orderID); err != nil {
			return nil, fmt.Errorf("marking unit %d reserved: %w", unit.ID, err)
		}
		allocated = append(allocated, AllocatedUnit{UnitID: unit.ID, Credential: credential})
	}

	if malformed > 0 {
		logCtx := a.logg.WithFields(ctx, map[string]any{
			"variant_id": variantID,
			"order_id":   orderID,
			"malformed":  malformed,
		})
		a.logg.Warn(logCtx, "skipped malformed credential blobs during allocation")
	}

	if len(allocated) < quantity {
		return nil, ErrInsufficientUnits
	}
	return allocated, nil
}
