package cache

import (
	"time"

	"obdagent/internal/obd"
)

const (
	DtcCacheSize = 5000
	DtcCacheTTL  = 24 * time.Hour
	PidCacheSize = 1000
	PidCacheTTL  = 60 * time.Second
)

// DtcCache holds decoded trouble codes with their descriptions, keyed by code.
type DtcCache = Cache[string, obd.DtcEntry]

// PidCache holds live readings keyed by PidKey.
type PidCache = Cache[string, obd.PidValue]

func NewDtcCache(opts ...Option) *DtcCache {
	return New[string, obd.DtcEntry](DtcCacheSize, DtcCacheTTL, opts...)
}

func NewPidCache(opts ...Option) *PidCache {
	return New[string, obd.PidValue](PidCacheSize, PidCacheTTL, opts...)
}

// PidKey builds the "<vehicleId>:<pid>" key for a normalized pid.
func PidKey(vehicleID, pid string) string {
	return vehicleID + ":" + pid
}
