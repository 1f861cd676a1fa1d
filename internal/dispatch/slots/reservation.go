package slots

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Reservation coordinates in-flight call slots across concurrent engine
// invocations using Redis counters: one global counter and one per campaign.
// Both must be under their ceilings for a slot to be granted, and both are
// bumped in one Lua script so two invocations cannot over-admit. Keys carry a
// TTL so a crashed invocation cannot leak slots forever.
type Reservation struct {
	client      *redis.Client
	globalLimit int
	ttl         time.Duration
}

// NewReservation constructs the reservation coordinator.
func NewReservation(client *redis.Client, globalLimit int, ttl time.Duration) *Reservation {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Reservation{client: client, globalLimit: globalLimit, ttl: ttl}
}

var acquireScript = redis.NewScript(`
local campaignKey = KEYS[1]
local globalKey = KEYS[2]
local campaignLimit = tonumber(ARGV[1])
local globalLimit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local campaignActive = tonumber(redis.call('GET', campaignKey) or '0')
local globalActive = tonumber(redis.call('GET', globalKey) or '0')
if campaignActive < campaignLimit and globalActive < globalLimit then
  redis.call('INCR', campaignKey)
  redis.call('INCR', globalKey)
  if ttl > 0 then
    redis.call('PEXPIRE', campaignKey, ttl)
    redis.call('PEXPIRE', globalKey, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
for i = 1, #KEYS do
  local current = tonumber(redis.call('GET', KEYS[i]) or '0')
  if current <= 1 then
    redis.call('DEL', KEYS[i])
  else
    redis.call('DECR', KEYS[i])
  end
end
return 1
`)

// Acquire attempts to reserve one slot for the campaign; false means either
// ceiling is exhausted.
func (r *Reservation) Acquire(ctx context.Context, campaignID uuid.UUID, campaignLimit int) (bool, error) {
	if r.client == nil || campaignID == uuid.Nil {
		return true, nil
	}
	if campaignLimit <= 0 || r.globalLimit <= 0 {
		return true, nil
	}

	keys := []string{r.campaignKey(campaignID), r.globalKey()}
	res, err := acquireScript.Run(ctx, r.client, keys, campaignLimit, r.globalLimit, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("slot acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired slot at both levels.
func (r *Reservation) Release(ctx context.Context, campaignID uuid.UUID) error {
	if r.client == nil || campaignID == uuid.Nil {
		return nil
	}
	keys := []string{r.campaignKey(campaignID), r.globalKey()}
	if _, err := releaseScript.Run(ctx, r.client, keys).Int(); err != nil {
		return fmt.Errorf("slot release: %w", err)
	}
	return nil
}

// Active returns the current reserved counts (campaign, global).
func (r *Reservation) Active(ctx context.Context, campaignID uuid.UUID) (int64, int64, error) {
	if r.client == nil {
		return 0, 0, nil
	}
	campaign, err := r.client.Get(ctx, r.campaignKey(campaignID)).Int64()
	if err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("slot active: %w", err)
	}
	global, err := r.client.Get(ctx, r.globalKey()).Int64()
	if err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("slot active: %w", err)
	}
	return campaign, global, nil
}

func (r *Reservation) campaignKey(campaignID uuid.UUID) string {
	return fmt.Sprintf("dispatch:campaign:%s:active", campaignID.String())
}

func (r *Reservation) globalKey() string {
	return "dispatch:global:active"
}
