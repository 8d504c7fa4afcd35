package balancer

import (
	"errors"
	"sort"
)

// ErrNoEligibleInstance means no instance passed the eligibility filter.
// It is a per-request rejection, never retried internally.
var ErrNoEligibleInstance = errors.New("no eligible instance")

// SortKey is the primary selection criterion. Smaller is better for all keys.
type SortKey string

const (
	SortUploadSpeed     SortKey = "upload_speed"
	SortDownloadSpeed   SortKey = "download_speed"
	SortActiveDownloads SortKey = "active_downloads"
)

// Policy holds the selection knobs that stay fixed for the process lifetime.
type Policy struct {
	Key SortKey
	// TrafficFailClosed makes instances with a configured limit ineligible
	// while their usage is unknown or the last fetch failed. Default is
	// fail-open: a briefly unavailable monitoring endpoint must not starve
	// the whole pool.
	TrafficFailClosed bool
}

// Select picks the least-loaded eligible instance from a registry snapshot.
// Pure function: no mutation, deterministic (name tie-break). The caller
// must still reserve a slot afterwards; two concurrent requests may both be
// pointed here before either reserves.
func Select(snapshot []InstanceState, pol Policy) (InstanceState, error) {
	candidates := make([]InstanceState, 0, len(snapshot))
	for _, s := range snapshot {
		if Eligible(s, pol) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return InstanceState{}, ErrNoEligibleInstance
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		vi, vj := sortValue(candidates[i], pol.Key), sortValue(candidates[j], pol.Key)
		if vi != vj {
			return vi < vj
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates[0], nil
}

// Eligible reports whether one instance may receive a new job right now.
func Eligible(s InstanceState, pol Policy) bool {
	if s.Status != StatusConnected {
		return false
	}
	if s.TasksAssigned >= s.SlotCap {
		return false
	}
	if !withinTraffic(s, pol) {
		return false
	}
	if s.ReservedSpace > 0 && s.Metrics.FreeSpace <= s.ReservedSpace {
		return false
	}
	return true
}

func withinTraffic(s InstanceState, pol Policy) bool {
	if s.TrafficLimit == 0 {
		return true
	}
	if s.Traffic == nil {
		// Limit configured but usage never fetched yet.
		return !pol.TrafficFailClosed
	}
	if s.TrafficErr && pol.TrafficFailClosed {
		return false
	}
	if s.Traffic.Throttled {
		return false
	}
	return s.Traffic.Total() < s.TrafficLimit
}

func sortValue(s InstanceState, key SortKey) int64 {
	switch key {
	case SortDownloadSpeed:
		return s.Metrics.DownloadSpeed
	case SortActiveDownloads:
		return int64(s.Metrics.ActiveDownloads)
	default:
		return s.Metrics.UploadSpeed
	}
}
