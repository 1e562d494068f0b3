// Package coordinator drives a trading cycle as a conversation between
// agents: it fans a data request out to the data agents, waits for every
// one of them, hands the integrated bundle to the decision agents, turns
// their analyses into a final decision and, for buy or sell, asks the
// execution agent to trade.
//
// Each conversation advances only once the senders of the current phase
// equal the expected participant set. Late or unexpected responses are
// ignored. Conversations that wait too long are marked stalled by
// SweepStalled.
package coordinator
