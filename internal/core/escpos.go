package core

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ESC/POS control sequences used by the ticket renderers.
const (
	escInit         = "\x1b@"
	escAlignLeft    = "\x1ba0"
	escAlignCenter  = "\x1ba1"
	escAlignRight   = "\x1ba2"
	escBold         = "\x1bE1"
	escBoldOff      = "\x1bE0"
	escUnderline    = "\x1b-1"
	escUnderlineOff = "\x1b-0"
	escDoubleHeight = "\x1b!\x10"
	escNormalSize   = "\x1b!\x00"
	gsCut           = "\x1dV1"
)

const (
	DestinationReceipt = "receipt"
	DestinationKitchen = "kitchen"
	DestinationBar     = "bar"
)

// DefaultDestinations is the fan-out used at checkout.
var DefaultDestinations = []string{DestinationReceipt, DestinationKitchen, DestinationBar}

// RenderFunc turns an order into a printer payload for a ticket of the given
// width. A nil result means the ticket has nothing to print.
type RenderFunc func(o *Order, width int) []byte

type renderer struct {
	width int
	fn    RenderFunc
}

// Renderers maps destinations to their ticket formats.
type Renderers struct {
	byDest map[string]renderer
}

func NewRenderers() *Renderers {
	return &Renderers{byDest: make(map[string]renderer)}
}

// DefaultRenderers registers the receipt, kitchen and bar tickets.
func DefaultRenderers() *Renderers {
	r := NewRenderers()
	r.Register(DestinationReceipt, 48, RenderReceipt)
	r.Register(DestinationKitchen, 32, RenderKitchen)
	r.Register(DestinationBar, 32, RenderBar)
	return r
}

func (r *Renderers) Register(dest string, width int, fn RenderFunc) {
	r.byDest[dest] = renderer{width: width, fn: fn}
}

func (r *Renderers) Has(dest string) bool {
	_, ok := r.byDest[dest]
	return ok
}

func (r *Renderers) Destinations() []string {
	out := make([]string, 0, len(r.byDest))
	for d := range r.byDest {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Render produces the payload for dest. ok is false when the ticket is empty.
func (r *Renderers) Render(dest string, o *Order) (payload []byte, ok bool, err error) {
	rd, found := r.byDest[dest]
	if !found {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownDestination, dest)
	}
	payload = rd.fn(o, rd.width)
	return payload, payload != nil, nil
}

// ticket is an append-only ESC/POS document. Text passed to it is folded to
// ASCII before it is measured.
type ticket struct {
	sb    strings.Builder
	width int
}

func newTicket(width int) *ticket {
	t := &ticket{width: width}
	t.sb.WriteString(escInit)
	return t
}

func (t *ticket) raw(codes ...string) *ticket {
	for _, c := range codes {
		t.sb.WriteString(c)
	}
	return t
}

func (t *ticket) line(text string) *ticket {
	t.sb.WriteString(foldASCII(text))
	t.sb.WriteByte('\n')
	return t
}

func (t *ticket) boldLine(text string) *ticket {
	t.sb.WriteString(escBold)
	t.sb.WriteString(foldASCII(text))
	t.sb.WriteString(escBoldOff)
	t.sb.WriteByte('\n')
	return t
}

// center left-pads text by half the free space, rounding down.
func (t *ticket) center(text string) *ticket {
	text = foldASCII(text)
	pad := max(0, t.width-len(text))
	return t.line(strings.Repeat(" ", pad/2) + text)
}

// columns right-aligns right against the ticket edge.
func (t *ticket) columns(left, right string) *ticket {
	left, right = foldASCII(left), foldASCII(right)
	pad := max(0, t.width-len(left)-len(right))
	return t.line(left + strings.Repeat(" ", pad) + right)
}

func (t *ticket) rule(ch string) *ticket {
	return t.line(strings.Repeat(ch, t.width))
}

func (t *ticket) feed(n int) *ticket {
	t.sb.WriteString("\x1bd")
	t.sb.WriteByte(byte(n))
	return t
}

func (t *ticket) cut() []byte {
	t.sb.WriteString(gsCut)
	return []byte(t.sb.String())
}

// foldASCII strips accents and replaces anything else outside ASCII, since
// the printers use a single-byte code page.
func foldASCII(s string) string {
	tr := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Map(func(r rune) rune {
			if r > unicode.MaxASCII {
				return '?'
			}
			return r
		}),
	)
	out, _, err := transform.String(tr, s)
	if err != nil {
		return s
	}
	return out
}

func money(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func RenderReceipt(o *Order, width int) []byte {
	var rest Restaurant
	if o.Restaurant != nil {
		rest = *o.Restaurant
	}

	t := newTicket(width)

	t.raw(escAlignCenter, escBold)
	t.center(orDefault(rest.Name, "YOUR RESTAURANT"))
	t.raw(escNormalSize)
	t.center(orDefault(rest.Address, "123 Main Street"))
	t.center(orDefault(rest.Phone, "Tel: (555) 123-4567"))
	t.raw(escBoldOff, escAlignLeft)
	t.rule("=")

	t.boldLine("Order #: " + o.Order.ID)
	t.line("Date: " + o.Order.CreatedAt.Format("01/02/2006 15:04:05"))
	t.line("Cashier: " + orDefault(o.Order.Cashier, "POS System"))
	if o.Customer != nil && o.Customer.Name != "" {
		t.line("Customer: " + o.Customer.Name)
	}
	if o.Order.Table != "" {
		t.line("Table: " + o.Order.Table)
	}
	t.rule("-")

	for _, item := range o.Items {
		t.boldLine(item.Name)
		t.columns(fmt.Sprintf("  %d x %s", item.Quantity, money(item.PriceEach)), money(item.LineTotal()))
		for _, mod := range item.Modifications {
			text := "    + " + mod.Name
			if mod.Price > 0 {
				text += fmt.Sprintf(" (+%s)", money(mod.Price))
			}
			t.line(text)
		}
		if item.Notes != "" {
			t.line("    Note: " + item.Notes)
		}
	}

	t.rule("-")
	t.columns("Subtotal:", money(o.Totals.Subtotal))
	if o.Totals.Discount > 0 {
		t.columns("Discount:", "-"+money(o.Totals.Discount))
	}
	rate := o.Totals.TaxRate
	if rate == 0 {
		rate = 10
	}
	t.columns(fmt.Sprintf("Tax (%s%%):", strconv.FormatFloat(rate, 'f', -1, 64)), money(o.Totals.Tax))
	t.raw(escBold, escDoubleHeight)
	t.columns("TOTAL:", money(o.Totals.Total))
	t.raw(escNormalSize, escBoldOff)

	if p := o.Payment; p != nil && p.Method != "" {
		t.line("")
		t.line("Payment: " + strings.ToUpper(p.Method))
		if p.Method == "cash" {
			t.line("Tendered: " + money(p.Tendered))
			t.line("Change: " + money(p.Change))
		}
	}

	t.rule("=")
	t.raw(escAlignCenter)
	t.line("Thank you for your business!")
	t.line("Please visit us again!")
	if rest.Website != "" {
		t.line(rest.Website)
	}
	return t.feed(3).cut()
}

func stationHeader(t *ticket, title string, o *Order) {
	t.raw(escAlignCenter, escBold, escDoubleHeight)
	t.center(title)
	t.raw(escNormalSize, escBoldOff)
	t.rule("=")
	t.raw(escAlignLeft)
	t.boldLine("Order #: " + o.Order.ID)
	t.line("Time: " + o.Order.CreatedAt.Format("15:04:05"))
}

// RenderKitchen prints every non-beverage item. It returns nil when the order
// has none.
func RenderKitchen(o *Order, width int) []byte {
	var food []OrderItem
	for _, item := range o.Items {
		if !item.IsBeverage() {
			food = append(food, item)
		}
	}
	if len(food) == 0 {
		return nil
	}

	t := newTicket(width)
	stationHeader(t, "KITCHEN", o)
	t.line("Type: " + orDefault(o.Order.Type, "Dine-in"))
	if o.Order.Table != "" {
		t.line("Table: " + o.Order.Table)
	}
	t.rule("-")

	for i, item := range food {
		if i > 0 {
			t.line("")
		}
		t.boldLine(fmt.Sprintf("%dx %s", item.Quantity, item.Name))
		if item.Size != "" && item.Size != "regular" {
			t.line("  Size: " + item.Size)
		}
		for _, mod := range item.Modifications {
			t.line("  + " + mod.Name)
		}
		if item.Notes != "" {
			t.raw(escUnderline)
			t.sb.WriteString(foldASCII("  NOTE: " + item.Notes))
			t.raw(escUnderlineOff)
			t.sb.WriteByte('\n')
		}
	}
	return t.feed(3).cut()
}

// RenderBar prints beverage items. It returns nil when the order has none.
func RenderBar(o *Order, width int) []byte {
	var drinks []OrderItem
	for _, item := range o.Items {
		if item.IsBeverage() {
			drinks = append(drinks, item)
		}
	}
	if len(drinks) == 0 {
		return nil
	}

	t := newTicket(width)
	stationHeader(t, "BAR", o)
	if o.Order.Table != "" {
		t.line("Table: " + o.Order.Table)
	}
	t.rule("-")

	for i, item := range drinks {
		if i > 0 {
			t.line("")
		}
		t.boldLine(fmt.Sprintf("%dx %s", item.Quantity, item.Name))
		for _, mod := range item.Modifications {
			t.line("  + " + mod.Name)
		}
	}
	return t.feed(3).cut()
}
