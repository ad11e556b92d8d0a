package scheduler

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/lumenlabs/borealis/cloud/driver"
	"github.com/lumenlabs/borealis/common/stats"
	"github.com/lumenlabs/borealis/sched"
)

// ErrOfferNotFound is returned by LaunchTask when the offer was consumed,
// rescinded or expired between selection and launch. The caller retries
// against a different offer; no state was changed.
var ErrOfferNotFound = errors.New("offer no longer held")

// OfferManagerSettings controls how long offers are held before being
// declined back to the resource manager.
type OfferManagerSettings struct {
	MinHoldTime time.Duration

	// A random duration up to this window is added per offer so a batch of
	// offers does not expire all at once.
	HoldJitterWindow time.Duration
}

// OfferManager owns the live set of resource offers. An offer belongs to
// the manager from AddOffer until it is launched against, rescinded or
// declined on hold expiry. All operations on the offer table are linearized
// by a single lock.
type OfferManager struct {
	mu       sync.Mutex
	offers   map[sched.OfferID]sched.Offer
	timers   map[sched.OfferID]*clock.Timer
	clk      clock.Clock
	driver   driver.Driver
	settings OfferManagerSettings
	rng      *rand.Rand
	stat     stats.StatsReceiver
}

func NewOfferManager(
	d driver.Driver,
	settings OfferManagerSettings,
	clk clock.Clock,
	rng *rand.Rand,
	stat stats.StatsReceiver,
) *OfferManager {
	return &OfferManager{
		offers:   make(map[sched.OfferID]sched.Offer),
		timers:   make(map[sched.OfferID]*clock.Timer),
		clk:      clk,
		driver:   d,
		settings: settings,
		rng:      rng,
		stat:     stat.Scope("offers"),
	}
}

// AddOffer records a new offer and schedules its hold-expiry check.
func (m *OfferManager) AddOffer(offer sched.Offer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.offers[offer.ID]; ok {
		log.WithFields(log.Fields{"offerID": offer.ID}).Warn("Ignoring duplicate offer")
		return
	}
	m.offers[offer.ID] = offer

	hold := m.settings.MinHoldTime
	if m.settings.HoldJitterWindow > 0 {
		hold += time.Duration(m.rng.Int63n(int64(m.settings.HoldJitterWindow)))
	}
	id := offer.ID
	m.timers[id] = m.clk.AfterFunc(hold, func() {
		m.expireOffer(id)
	})
	m.stat.Gauge("outstanding").Update(int64(len(m.offers)))
}

// CancelOffer removes an offer immediately, e.g. on rescind. Idempotent;
// returns whether the offer was held.
func (m *OfferManager) CancelOffer(offerID sched.OfferID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(offerID)
}

// GetOffers returns a snapshot of all held offers, sorted by offer ID so a
// single scheduling attempt sees a stable order.
func (m *OfferManager) GetOffers() []sched.Offer {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]sched.Offer, 0, len(m.offers))
	for _, o := range m.offers {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetOffersMatching returns the held offers compatible with the given
// constraints, in the same stable order as GetOffers.
func (m *OfferManager) GetOffersMatching(c sched.Constraints) []sched.Offer {
	var out []sched.Offer
	for _, o := range m.GetOffers() {
		if offerSatisfies(o, c) {
			out = append(out, o)
		}
	}
	return out
}

// LaunchTask accepts an offer on behalf of a task. On success the offer is
// consumed. If the offer is no longer held, ErrOfferNotFound is returned
// and nothing changes. If the driver rejects the accept, the offer is
// dropped anyway: the resource manager considers it used, and the task
// stays pending for the next scheduling round.
func (m *OfferManager) LaunchTask(offerID sched.OfferID, task sched.AssignedTask) error {
	m.mu.Lock()
	if !m.removeLocked(offerID) {
		m.mu.Unlock()
		return ErrOfferNotFound
	}
	m.mu.Unlock()

	if err := m.driver.Accept(offerID, task); err != nil {
		m.stat.Counter("accept_failures").Inc(1)
		log.WithFields(log.Fields{
			"offerID": offerID,
			"taskID":  task.TaskID,
			"err":     err,
		}).Error("Driver rejected launch, dropping offer")
		return err
	}
	m.stat.Counter("accepted").Inc(1)
	return nil
}

// Stop cancels all hold-expiry timers. Held offers are left to the resource
// manager's own offer timeout.
func (m *OfferManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

// expireOffer runs on the hold timer. Losing a race with a concurrent
// launch or rescind is fine: the offer is simply gone.
func (m *OfferManager) expireOffer(offerID sched.OfferID) {
	m.mu.Lock()
	held := m.removeLocked(offerID)
	m.mu.Unlock()
	if !held {
		return
	}

	m.stat.Counter("declined").Inc(1)
	log.WithFields(log.Fields{"offerID": offerID}).Info("Declining offer unused past hold time")
	if err := m.driver.Decline(offerID); err != nil {
		log.WithFields(log.Fields{"offerID": offerID, "err": err}).Warn("Failed to decline offer")
	}
}

func (m *OfferManager) removeLocked(offerID sched.OfferID) bool {
	if _, ok := m.offers[offerID]; !ok {
		return false
	}
	delete(m.offers, offerID)
	if t, ok := m.timers[offerID]; ok {
		t.Stop()
		delete(m.timers, offerID)
	}
	m.stat.Gauge("outstanding").Update(int64(len(m.offers)))
	return true
}

// offerSatisfies checks static host compatibility: dedicated hosts only
// take matching tasks, and all required attributes must be present.
func offerSatisfies(o sched.Offer, c sched.Constraints) bool {
	if o.Dedicated != "" && o.Dedicated != c.Dedicated {
		return false
	}
	if c.Dedicated != "" && o.Dedicated != c.Dedicated {
		return false
	}
	for attr, want := range c.HostAttrs {
		if o.Attrs[attr] != want {
			return false
		}
	}
	return true
}
