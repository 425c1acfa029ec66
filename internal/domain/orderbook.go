package domain

import "sort"

// OrderBook es la vista agregada del libro de órdenes límite de un pool.
// Las órdenes YES son bids sobre la probabilidad; las NO son asks.
type OrderBook struct {
	ContractID string
	AnswerID   string
	Bids       []BookEntry // ordenados mayor a menor probabilidad
	Asks       []BookEntry // ordenados menor a mayor probabilidad
}

// BookEntry es un nivel de probabilidad en el libro.
type BookEntry struct {
	Prob   float64
	Amount float64 // importe reservado pendiente de llenar
	Orders int
}

// BuildOrderBook agrega las órdenes abiertas de un pool por nivel de probabilidad.
func BuildOrderBook(contractID, answerID string, orders []*Bet) OrderBook {
	ob := OrderBook{ContractID: contractID, AnswerID: answerID}
	bids := map[float64]*BookEntry{}
	asks := map[float64]*BookEntry{}
	for _, o := range orders {
		if !o.IsOpen() || !o.IsLimitOrder() || o.AnswerID != answerID {
			continue
		}
		levels := bids
		if o.Outcome == OutcomeNo {
			levels = asks
		}
		e, ok := levels[o.Limit()]
		if !ok {
			e = &BookEntry{Prob: o.Limit()}
			levels[o.Limit()] = e
		}
		e.Amount += o.Remaining()
		e.Orders++
	}
	for _, e := range bids {
		ob.Bids = append(ob.Bids, *e)
	}
	for _, e := range asks {
		ob.Asks = append(ob.Asks, *e)
	}
	sort.Slice(ob.Bids, func(i, j int) bool { return ob.Bids[i].Prob > ob.Bids[j].Prob })
	sort.Slice(ob.Asks, func(i, j int) bool { return ob.Asks[i].Prob < ob.Asks[j].Prob })
	return ob
}

// BestBid devuelve la mayor probabilidad a la que alguien compra YES.
// Devuelve 0 si no hay bids.
func (ob OrderBook) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Prob
}

// BestAsk devuelve la menor probabilidad a la que alguien compra NO.
// Devuelve 0 si no hay asks.
func (ob OrderBook) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Prob
}

// Spread devuelve ask - bid, o 0 si falta algún lado.
func (ob OrderBook) Spread() float64 {
	bid := ob.BestBid()
	ask := ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return ask - bid
}

// Depth devuelve el importe total reservado en ambos lados.
func (ob OrderBook) Depth() float64 {
	var total float64
	for _, b := range ob.Bids {
		total += b.Amount
	}
	for _, a := range ob.Asks {
		total += a.Amount
	}
	return total
}
