// Package devices allocates devices to jobs and tracks which of them are online.
package devices

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/services"
)

var (
	ErrInvalidStrategy = fmt.Errorf("%w: invalid device strategy", services.ErrInvalidRequest)
	ErrEmptyPool       = errors.New("no eligible device in pool")
	ErrDeviceNotInPool = fmt.Errorf("%w: device not in pool", services.ErrInvalidRequest)
)

// Request describes one allocation. Online and Leased default to "every
// device is online" and "no device is leased" when nil.
type Request struct {
	Strategy models.DeviceStrategy
	Count    int
	// Cursor is the round-robin slot to start from, as returned by the
	// previous Allocation.
	Cursor int
	// Specific lists the requested device IDs for the specific strategy.
	Specific []string
	Online   func(deviceID string) bool
	Leased   func(deviceID string) bool
	Rand     *rand.Rand
}

// Allocation is the ordered result of Allocate.
type Allocation struct {
	Devices []models.DeviceRef
	Cursor  int
}

// Allocate picks Count devices from pool. Inactive and leased devices are never
// picked; offline devices are skipped unless the strategy is specific. When
// Count exceeds the eligible devices, every eligible device is used once
// before any is repeated.
func Allocate(pool []*models.Device, req Request) (Allocation, error) {
	if !req.Strategy.IsValid() {
		return Allocation{}, fmt.Errorf("%w: %q", ErrInvalidStrategy, req.Strategy)
	}

	candidates, err := Candidates(pool, req)
	if err != nil {
		return Allocation{}, err
	}

	if req.Count <= 0 {
		return Allocation{Cursor: req.Cursor}, nil
	}

	eligible := make([]string, 0, len(candidates))

	for _, id := range candidates {
		if req.Leased == nil || !req.Leased(id) {
			eligible = append(eligible, id)
		}
	}

	if len(eligible) == 0 {
		return Allocation{Cursor: req.Cursor}, ErrEmptyPool
	}

	switch req.Strategy {
	case models.DeviceStrategyRandom:
		return Allocation{Devices: shuffled(eligible, req.Count, req.Rand), Cursor: req.Cursor}, nil
	default:
		return roundRobin(candidates, eligible, req.Count, req.Cursor), nil
	}
}

// Candidates returns the IDs of the pool devices usable under the request,
// leases aside, in stable order. For the specific strategy every requested ID
// must belong to the pool.
func Candidates(pool []*models.Device, req Request) ([]string, error) {
	if req.Strategy == models.DeviceStrategySpecific {
		return specific(pool, req.Specific)
	}

	ids := make([]string, 0, len(pool))

	for _, device := range pool {
		if device.Status != models.DeviceStatusActive {
			continue
		}

		if req.Online != nil && !req.Online(device.ID) {
			continue
		}

		ids = append(ids, device.ID)
	}

	return ids, nil
}

func specific(pool []*models.Device, requested []string) ([]string, error) {
	active := make(map[string]bool, len(pool))
	for _, device := range pool {
		active[device.ID] = device.Status == models.DeviceStatusActive
	}

	ids := make([]string, 0, len(requested))

	for _, id := range requested {
		isActive, found := active[id]
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotInPool, id)
		}

		if isActive && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}

	return ids, nil
}

// roundRobin walks the candidates cyclically from cursor, taking the
// eligible ones. The cursor indexes candidates so it stays stable while
// devices are leased and released.
func roundRobin(candidates, eligible []string, count, cursor int) Allocation {
	free := make(map[string]bool, len(eligible))
	for _, id := range eligible {
		free[id] = true
	}

	refs := make([]models.DeviceRef, 0, count)
	n := len(candidates)
	slot := ((cursor % n) + n) % n

	for len(refs) < count {
		id := candidates[slot]
		slot = (slot + 1) % n

		if free[id] {
			refs = append(refs, models.DeviceRef{ID: id})
		}
	}

	return Allocation{Devices: refs, Cursor: slot}
}

func shuffled(eligible []string, count int, rng *rand.Rand) []models.DeviceRef {
	perm := rand.Perm
	if rng != nil {
		perm = rng.Perm
	}

	refs := make([]models.DeviceRef, 0, count)

	for len(refs) < count {
		for _, i := range perm(len(eligible)) {
			if len(refs) == count {
				break
			}

			refs = append(refs, models.DeviceRef{ID: eligible[i]})
		}
	}

	return refs
}
