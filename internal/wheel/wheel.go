// Package wheel holds the static 37-pocket crypto wheel and the bet-type
// dispatch table used to validate and settle bets against it.
package wheel

import (
	"fmt"
	"strconv"
)

// Size is the number of pockets on the wheel.
const Size = 37

// Color of a pocket.
type Color string

const (
	Green Color = "green"
	Red   Color = "red"
	Black Color = "black"
)

// Category groups the coins on the wheel.
type Category string

const (
	StoreOfValue Category = "store_of_value"
	Layer1       Category = "layer1"
	DeFi         Category = "defi"
	Payments     Category = "payments"
)

// None is returned by the classifiers for the zero pocket.
const None = "none"

// Position describes one pocket.
type Position struct {
	Number   int      `json:"number"`
	Crypto   string   `json:"crypto"`
	Symbol   string   `json:"symbol"`
	Color    Color    `json:"color"`
	Category Category `json:"category"`
}

var redNumbers = map[int]bool{
	1: true, 3: true, 5: true, 7: true, 9: true, 12: true, 14: true, 16: true, 18: true,
	19: true, 21: true, 23: true, 25: true, 27: true, 30: true, 32: true, 34: true, 36: true,
}

type coin struct {
	id     string
	symbol string
}

// Coins per category, dealt onto the wheel in categoryLayout order.
var coins = map[Category][]coin{
	Layer1: {
		{"ethereum", "ETH"}, {"solana", "SOL"}, {"cardano", "ADA"}, {"avalanche", "AVAX"},
		{"polkadot", "DOT"}, {"near", "NEAR"}, {"cosmos", "ATOM"}, {"algorand", "ALGO"},
		{"tezos", "XTZ"}, {"aptos", "APT"}, {"sui", "SUI"}, {"tron", "TRX"},
	},
	DeFi: {
		{"uniswap", "UNI"}, {"aave", "AAVE"}, {"chainlink", "LINK"}, {"maker", "MKR"},
		{"compound", "COMP"}, {"curve", "CRV"}, {"sushi", "SUSHI"}, {"lido", "LDO"},
		{"pancakeswap", "CAKE"}, {"synthetix", "SNX"}, {"yearn", "YFI"}, {"1inch", "1INCH"},
	},
	Payments: {
		{"litecoin", "LTC"}, {"ripple", "XRP"}, {"stellar", "XLM"}, {"bitcoin-cash", "BCH"},
		{"dash", "DASH"}, {"monero", "XMR"}, {"zcash", "ZEC"}, {"nano", "XNO"},
		{"dogecoin", "DOGE"}, {"hedera", "HBAR"}, {"iota", "IOTA"}, {"ecash", "XEC"},
	},
}

// Category of numbers 1..36. Each dozen holds four of each category.
const categoryLayout = "LDPDPLPLDLDP" + "DPLPLDLDPDPL" + "PLDLDPDPLPLD"

var (
	positions [Size]Position
	byCrypto  = make(map[string]Position, Size)
)

func init() {
	positions[0] = Position{Number: 0, Crypto: "bitcoin", Symbol: "BTC", Color: Green, Category: StoreOfValue}

	next := map[Category]int{}
	for i, c := range categoryLayout {
		n := i + 1
		var cat Category
		switch c {
		case 'L':
			cat = Layer1
		case 'D':
			cat = DeFi
		case 'P':
			cat = Payments
		}
		k := coins[cat][next[cat]]
		next[cat]++

		color := Black
		if redNumbers[n] {
			color = Red
		}
		positions[n] = Position{Number: n, Crypto: k.id, Symbol: k.symbol, Color: color, Category: cat}
	}

	single := rules[SingleCrypto]
	for _, p := range positions {
		byCrypto[p.Crypto] = p
		single.vocabulary = append(single.vocabulary, p.Crypto)
	}
	rules[SingleCrypto] = single
}

// PositionOfCrypto looks a pocket up by coin id.
func PositionOfCrypto(id string) (Position, bool) {
	p, ok := byCrypto[id]
	return p, ok
}

// PositionOf returns the pocket for n.
func PositionOf(n int) (Position, error) {
	if n < 0 || n >= Size {
		return Position{}, fmt.Errorf("number %d out of range 0-%d", n, Size-1)
	}
	return positions[n], nil
}

// Positions returns a copy of the whole wheel, ordered by number.
func Positions() []Position {
	out := make([]Position, Size)
	copy(out, positions[:])
	return out
}

// EvenOdd returns "even", "odd" or "none" for zero.
func EvenOdd(n int) string {
	if n <= 0 || n >= Size {
		return None
	}
	if n%2 == 0 {
		return "even"
	}
	return "odd"
}

// HighLow returns "low" for 1-18, "high" for 19-36.
func HighLow(n int) string {
	if n <= 0 || n >= Size {
		return None
	}
	if n <= 18 {
		return "low"
	}
	return "high"
}

// Dozen returns "1", "2" or "3".
func Dozen(n int) string {
	if n <= 0 || n >= Size {
		return None
	}
	return strconv.Itoa((n-1)/12 + 1)
}

// Column returns "1", "2" or "3".
func Column(n int) string {
	if n <= 0 || n >= Size {
		return None
	}
	return strconv.Itoa((n-1)%3 + 1)
}
