package seed

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

var epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

type Customer struct {
	CustomerID int64  `parquet:"customer_id"`
	Name       string `parquet:"name"`
	Country    string `parquet:"country"`
	Segment    string `parquet:"segment"`
	SignupDate int32  `parquet:"signup_date,date"`
}

type Order struct {
	OrderID    int64   `parquet:"order_id"`
	CustomerID int64   `parquet:"customer_id"`
	Status     string  `parquet:"status"`
	Channel    string  `parquet:"channel"`
	Amount     float64 `parquet:"amount"`
	Currency   string  `parquet:"currency"`
	OrderDate  int32   `parquet:"order_date,date"`
}

// Generator produces a reproducible retail dataset. Two generators with the
// same seed and start date emit identical rows.
type Generator struct {
	rnd   *rand.Rand
	start time.Time
}

func NewGenerator(seed int64, start time.Time) *Generator {
	return &Generator{
		rnd:   rand.New(rand.NewSource(seed)),
		start: start.UTC().Truncate(24 * time.Hour),
	}
}

func (g *Generator) Customers(n int) []Customer {
	out := make([]Customer, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Customer{
			CustomerID: int64(i),
			Name:       fmt.Sprintf("%s %s", pickOne(g.rnd, firstNames), pickOne(g.rnd, lastNames)),
			Country:    pickOne(g.rnd, []string{"US", "DE", "GB", "IN", "JP", "BR"}),
			Segment:    g.pickSegment(),
			SignupDate: daysSinceEpoch(g.start.AddDate(0, 0, -g.rnd.Intn(730))),
		})
	}
	return out
}

// Orders references customer ids 1..customers. Order dates fall within the
// 365 days before the generator's start date.
func (g *Generator) Orders(n, customers int) []Order {
	out := make([]Order, 0, n)
	for i := 1; i <= n; i++ {
		status := g.pickStatus()
		out = append(out, Order{
			OrderID:    int64(i),
			CustomerID: int64(g.rnd.Intn(customers) + 1),
			Status:     status,
			Channel:    pickOne(g.rnd, []string{"web", "mobile", "store"}),
			Amount:     g.pickAmount(status),
			Currency:   "USD",
			OrderDate:  daysSinceEpoch(g.start.AddDate(0, 0, -g.rnd.Intn(365))),
		})
	}
	return out
}

func (g *Generator) pickSegment() string {
	p := g.rnd.Intn(100)
	switch {
	case p < 60:
		return "consumer"
	case p < 90:
		return "small_business"
	default:
		return "enterprise"
	}
}

func (g *Generator) pickStatus() string {
	p := g.rnd.Intn(100)
	switch {
	case p < 70:
		return "delivered"
	case p < 85:
		return "shipped"
	case p < 95:
		return "pending"
	default:
		return "cancelled"
	}
}

func (g *Generator) pickAmount(status string) float64 {
	if status == "cancelled" {
		return 0
	}
	return round2(5 + g.rnd.Float64()*495)
}

var (
	firstNames = []string{"Ada", "Grace", "Linus", "Margaret", "Ken", "Barbara", "Dennis", "Frances"}
	lastNames  = []string{"Lovelace", "Hopper", "Torvalds", "Hamilton", "Thompson", "Liskov", "Ritchie", "Allen"}
)

func daysSinceEpoch(t time.Time) int32 {
	return int32(t.Sub(epoch) / (24 * time.Hour))
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func pickOne(r *rand.Rand, values []string) string {
	return values[r.Intn(len(values))]
}
