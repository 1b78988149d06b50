// Package sim drives a complete simulation run: it builds the area
// hierarchy from a scenario, creates the per-slot markets, wires the
// inter-market agents and advances the tick clock.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/PinkDiamond1/gsy-e/internal/agent"
	"github.com/PinkDiamond1/gsy-e/internal/config"
	"github.com/PinkDiamond1/gsy-e/internal/fees"
	"github.com/PinkDiamond1/gsy-e/internal/market"
	"github.com/PinkDiamond1/gsy-e/internal/metrics"
	"github.com/PinkDiamond1/gsy-e/internal/registry"
)

// Node is one non-leaf area of the hierarchy: it runs a spot market (and
// optionally a balancing market) per slot and, unless it is the root, an
// agent pair connecting its markets to the parent's.
type Node struct {
	Area     config.Area
	Parent   *Node
	Children []*Node

	Spot      *market.Market
	Balancing *market.Market

	spotRot *rotator
	balRot  *rotator
}

// PastSpot returns the retired spot markets still kept, oldest first.
func (n *Node) PastSpot() []*market.Market { return n.spotRot.Past() }

// PastBalancing returns the retired balancing markets still kept.
func (n *Node) PastBalancing() []*market.Market { return n.balRot.Past() }

// device is a leaf area: it places its scripted offers at slot start and
// works off its scripted demand against the parent's book every tick.
type device struct {
	area   config.Area
	parent *Node
	demand []pendingBid
}

type pendingBid struct {
	maxRate   decimal.Decimal
	remaining decimal.Decimal
}

// Options configures a simulation beyond the scenario file.
type Options struct {
	// Registry gates balancing-market submissions. Defaults to an
	// in-memory registry seeded from the scenario's device list.
	Registry market.DeviceRegistry

	// Listeners are attached to every market of every slot, before the
	// agent listeners.
	Listeners []market.Listener

	// Start is the time slot of slot zero. Defaults to midnight UTC of
	// the current day.
	Start time.Time
}

// Simulation holds the state of one run.
type Simulation struct {
	cfg       *config.Config
	registry  market.DeviceRegistry
	listeners []market.Listener
	start     time.Time

	root    *Node
	nodes   []*Node // parents before children
	devices []*device
	owners  []*agent.Owner // rebuilt every slot

	currentSlot int
}

// New builds the area hierarchy for a scenario.
func New(cfg *config.Config, opts Options) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.NewMemory(cfg.Balancing.Devices...)
	}
	start := opts.Start
	if start.IsZero() {
		now := time.Now().UTC()
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}

	s := &Simulation{
		cfg:       cfg,
		registry:  reg,
		listeners: opts.Listeners,
		start:     start,
	}
	root, err := s.buildNode(cfg.Area, nil)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("sim: root area %q must have children", cfg.Area.Name)
	}
	s.root = root
	return s, nil
}

func (s *Simulation) buildNode(area config.Area, parent *Node) (*Node, error) {
	if area.Leaf() {
		if parent == nil {
			return nil, nil
		}
		s.devices = append(s.devices, &device{area: area, parent: parent})
		return nil, nil
	}
	keep := s.cfg.Simulation.PastMarketsKept
	n := &Node{
		Area:    area,
		Parent:  parent,
		spotRot: newRotator(keep),
		balRot:  newRotator(keep),
	}
	s.nodes = append(s.nodes, n)
	for _, child := range area.Children {
		c, err := s.buildNode(child, n)
		if err != nil {
			return nil, err
		}
		if c != nil {
			n.Children = append(n.Children, c)
		}
	}
	return n, nil
}

// Root returns the root node of the hierarchy.
func (s *Simulation) Root() *Node { return s.root }

// Nodes returns all non-leaf nodes, parents before children.
func (s *Simulation) Nodes() []*Node { return s.nodes }

// FindNode returns the node for an area name.
func (s *Simulation) FindNode(name string) (*Node, bool) {
	for _, n := range s.nodes {
		if n.Area.Name == name {
			return n, true
		}
	}
	return nil, false
}

// CurrentSlot returns the slot currently being simulated.
func (s *Simulation) CurrentSlot() int { return s.currentSlot }

func (s *Simulation) feeFor(area config.Area) (fees.Policy, error) {
	rate, ok := area.GridFeeDecimal()
	if !ok {
		var err error
		rate, err = s.cfg.Fees.RateDecimal()
		if err != nil {
			return nil, err
		}
	}
	if s.cfg.Fees.Model == config.FeeModelPercentage {
		return fees.NewPercentage(rate), nil
	}
	return fees.NewConstant(rate), nil
}

// startSlot retires the previous slot's markets, creates the new ones,
// rebuilds the agent pairs and seeds the scripted device orders.
func (s *Simulation) startSlot(slot int) error {
	ts := slotTime(s.start, slot)

	for _, n := range s.nodes {
		n.spotRot.retire(n.Spot)
		n.balRot.retire(n.Balancing)

		fee, err := s.feeFor(n.Area)
		if err != nil {
			return err
		}
		n.Spot = market.NewOneSided(market.Config{
			Name:     n.Area.Name,
			TimeSlot: ts,
			Fee:      fee,
		})
		if s.cfg.Balancing.Enabled {
			n.Balancing = market.NewBalancing(market.Config{
				Name:     n.Area.Name + " balancing",
				TimeSlot: ts,
			}, s.registry)
		}
		for _, l := range s.listeners {
			n.Spot.AddListener(l)
			if n.Balancing != nil {
				n.Balancing.AddListener(l)
			}
		}
	}
	metrics.OpenMarkets.Set(float64(len(s.nodes)))

	// Fresh agents every slot: engines are bound to the slot's markets.
	s.owners = s.owners[:0]
	minAge := s.cfg.Simulation.MinOfferAge
	for _, n := range s.nodes {
		if n.Parent == nil {
			continue
		}
		owner := agent.NewOwner("MA " + n.Area.Name)
		agent.NewEngine("High to Low", n.Parent.Spot, n.Spot, minAge, owner)
		agent.NewEngine("Low to High", n.Spot, n.Parent.Spot, minAge, owner)
		n.Spot.AddListener(owner.Listener())
		n.Parent.Spot.AddListener(owner.Listener())

		if n.Balancing != nil && n.Parent.Balancing != nil {
			agent.NewBalancingEngine("High to Low balancing", n.Parent.Balancing, n.Balancing, minAge, owner)
			agent.NewBalancingEngine("Low to High balancing", n.Balancing, n.Parent.Balancing, minAge, owner)
			n.Balancing.AddListener(owner.Listener())
			n.Parent.Balancing.AddListener(owner.Listener())
		}
		s.owners = append(s.owners, owner)
	}

	for _, d := range s.devices {
		if err := d.placeOrders(); err != nil {
			return err
		}
	}
	slog.Info("slot started", "slot", slot, "time_slot", ts.Format("15:04"))
	return nil
}

func (d *device) placeOrders() error {
	for _, o := range d.area.Offers {
		price, err := o.PriceDecimal()
		if err != nil {
			return err
		}
		energy, err := o.EnergyDecimal()
		if err != nil {
			return err
		}
		target := d.parent.Spot
		adapt := true
		if o.Balancing {
			if d.parent.Balancing == nil {
				continue
			}
			target = d.parent.Balancing
			adapt = false
		}
		if _, err := target.PostOffer(market.OfferRequest{
			Price:              price,
			Energy:             energy,
			Seller:             d.area.Name,
			SellerOrigin:       d.area.Name,
			AdaptPriceWithFees: adapt,
		}); err != nil {
			return fmt.Errorf("sim: device %s: %w", d.area.Name, err)
		}
	}

	d.demand = d.demand[:0]
	for _, b := range d.area.Bids {
		price, err := b.PriceDecimal()
		if err != nil {
			return err
		}
		energy, err := b.EnergyDecimal()
		if err != nil {
			return err
		}
		d.demand = append(d.demand, pendingBid{
			maxRate:   price.Div(energy),
			remaining: energy,
		})
	}
	return nil
}

// buy works off the device's remaining demand against the cheapest
// acceptable offers in the parent's book. Pay-as-offer: the trade settles
// at the offer's rate.
func (d *device) buy() error {
	for i := range d.demand {
		pb := &d.demand[i]
		for pb.remaining.Sign() > 0 {
			accepted, err := d.acceptCheapest(pb)
			if err != nil {
				return err
			}
			if !accepted {
				break
			}
		}
	}
	return nil
}

func (d *device) acceptCheapest(pb *pendingBid) (bool, error) {
	for _, offer := range d.parent.Spot.SortedOffers() {
		if offer.Seller == d.area.Name {
			continue
		}
		if offer.EnergyRate().GreaterThan(pb.maxRate.Add(market.RateTolerance)) {
			// Sorted ascending by rate; nothing affordable remains.
			return false, nil
		}
		energy := pb.remaining
		if offer.Energy.LessThan(energy) {
			energy = offer.Energy
		}
		trade, err := d.parent.Spot.AcceptOffer(market.AcceptOfferRequest{
			OfferID:     offer.ID,
			Buyer:       d.area.Name,
			BuyerOrigin: d.area.Name,
			Energy:      &energy,
		})
		if errors.Is(err, market.ErrOfferNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("sim: device %s: %w", d.area.Name, err)
		}
		pb.remaining = pb.remaining.Sub(trade.TradedEnergy)
		return true, nil
	}
	return false, nil
}

// clearBalancing has the root operator take up all flexibility offered in
// the root balancing market at the end of a slot. The resulting trades
// cascade down to the offering devices through the balancing agents.
func (s *Simulation) clearBalancing() error {
	bm := s.root.Balancing
	if bm == nil {
		return nil
	}
	for _, offer := range bm.OpenOffers() {
		_, err := bm.AcceptOffer(market.AcceptOfferRequest{
			OfferID: offer.ID,
			Buyer:   s.root.Area.Name,
		})
		if errors.Is(err, market.ErrOfferNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("sim: balancing clearing: %w", err)
		}
	}
	return nil
}

// Run executes the whole scenario. It honors context cancellation between
// ticks.
func (s *Simulation) Run(ctx context.Context) error {
	ticksPerSlot := s.cfg.Simulation.TicksPerSlot
	for slot := 0; slot < s.cfg.Simulation.Slots; slot++ {
		s.currentSlot = slot
		if err := s.startSlot(slot); err != nil {
			return err
		}
		for t := 0; t < ticksPerSlot; t++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			started := time.Now()
			globalTick := slot*ticksPerSlot + t

			for _, owner := range s.owners {
				if err := owner.Propagate(globalTick); err != nil {
					return err
				}
			}
			for _, d := range s.devices {
				if err := d.buy(); err != nil {
					return err
				}
			}

			metrics.SimulationTicks.Inc()
			metrics.TickDuration.Observe(time.Since(started).Seconds())
		}
		if err := s.clearBalancing(); err != nil {
			return err
		}
	}

	// Retire the final slot so every book ends up read-only.
	for _, n := range s.nodes {
		n.spotRot.retire(n.Spot)
		n.balRot.retire(n.Balancing)
		n.Spot = nil
		n.Balancing = nil
	}
	slog.Info("simulation finished",
		"slots", s.cfg.Simulation.Slots, "ticks_per_slot", ticksPerSlot)
	return nil
}
