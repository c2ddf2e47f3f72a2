package room

import (
	"sort"

	"github.com/lox/cryptoroulette/internal/game"
	"github.com/lox/cryptoroulette/internal/protocol"
	"github.com/lox/cryptoroulette/internal/wheel"
	"github.com/shopspring/decimal"
)

const lastWinnersKept = 10

// stats accumulates results for one room. Guarded by the room lock.
type stats struct {
	rounds      int
	totalBets   int
	wagered     decimal.Decimal
	paidOut     decimal.Decimal
	hits        [wheel.Size]int
	lastWinners []int
}

func (s *stats) record(result game.SpinResult) {
	s.rounds++
	s.totalBets += len(result.Bets)
	s.wagered = s.wagered.Add(result.TotalBet)
	s.paidOut = s.paidOut.Add(result.TotalWinnings)
	if result.Number >= 0 && result.Number < wheel.Size {
		s.hits[result.Number]++
	}
	s.lastWinners = append([]int{result.Number}, s.lastWinners...)
	if len(s.lastWinners) > lastWinnersKept {
		s.lastWinners = s.lastWinners[:lastWinnersKept]
	}
}

func (s *stats) snapshot(sessionID string, viewers int) protocol.RoomStats {
	hot := make([]protocol.HotNumber, 0)
	for n, h := range s.hits {
		if h > 0 {
			hot = append(hot, protocol.HotNumber{Number: n, Hits: h})
		}
	}
	sort.Slice(hot, func(i, j int) bool {
		if hot[i].Hits != hot[j].Hits {
			return hot[i].Hits > hot[j].Hits
		}
		return hot[i].Number < hot[j].Number
	})

	return protocol.RoomStats{
		SessionID:    sessionID,
		ViewerCount:  viewers,
		Rounds:       s.rounds,
		TotalBets:    s.totalBets,
		TotalWagered: s.wagered,
		TotalPaidOut: s.paidOut,
		HotNumbers:   hot,
		LastWinners:  append([]int{}, s.lastWinners...),
	}
}
