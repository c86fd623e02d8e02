package trading

import (
	"fmt"
	"regexp"
	"strings"

	"mt5-executor/internal/broker"
)

// MT5 trade server return codes.
const (
	RetcodeRequote      = 10004
	RetcodeRejected     = 10006
	RetcodePlaced       = 10008
	RetcodeDone         = 10009
	RetcodeDonePartial  = 10010
	RetcodeInvalidStops = 10016
	RetcodeNoChanges    = 10025
	RetcodePositionGone = 10036
)

var acceptedRetcodes = map[int]bool{
	RetcodePlaced:      true,
	RetcodeDone:        true,
	RetcodeDonePartial: true,
}

var retcodeMessages = map[int]string{
	10004: "requote",
	10006: "request rejected",
	10007: "request canceled by trader",
	10008: "order placed",
	10009: "request completed",
	10010: "only part of the request was completed",
	10011: "request processing error",
	10012: "request canceled by timeout",
	10013: "invalid request",
	10014: "invalid volume in the request",
	10015: "invalid price in the request",
	10016: "invalid stops in the request",
	10017: "trade is disabled",
	10018: "market is closed",
	10019: "there is not enough money to complete the request",
	10020: "prices changed",
	10021: "there are no quotes to process the request",
	10022: "invalid order expiration date in the request",
	10023: "order state changed",
	10024: "too frequent requests",
	10025: "no changes in request",
	10026: "autotrading disabled by server",
	10027: "autotrading disabled by client terminal",
	10028: "request locked for processing",
	10029: "order or position frozen",
	10030: "invalid order filling type",
	10031: "no connection with the trade server",
	10032: "operation is allowed only for live accounts",
	10033: "the number of pending orders has reached the limit",
	10034: "the volume of orders and positions for the symbol has reached the limit",
	10035: "incorrect or prohibited order type",
	10036: "position with the specified identifier has already been closed",
}

// RetcodeMessage returns the description of a return code.
func RetcodeMessage(code int) string {
	if msg, ok := retcodeMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("retcode %d", code)
}

// accepted reports whether the terminal took the order: a transport success
// with an accepted return code or, without one, an order ticket.
func accepted(resp broker.Response[broker.OrderReply]) bool {
	if !resp.OK || resp.Data == nil {
		return false
	}
	if rc := resp.Data.Retcode; rc != nil && *rc != 0 {
		return acceptedRetcodes[*rc]
	}
	return resp.Data.Ticket() > 0
}

// reached reports whether the terminal produced an answer at all.
func reached[T any](resp broker.Response[T]) bool {
	switch resp.Status {
	case broker.StatusTransport, broker.StatusTimeout, broker.StatusCircuitOpen:
		return resp.OK
	}
	return true
}

var stopKeywords = regexp.MustCompile(`(?i)(invalid stops|take[ _-]?profit|stop|\btp\b|\bsl\b)`)

// takeProfitRejection reports whether a failed submission was refused
// because of its stop levels.
func takeProfitRejection(resp broker.Response[broker.OrderReply]) bool {
	if resp.OK && accepted(resp) {
		return false
	}
	if resp.Data != nil {
		if rc := resp.Data.Retcode; rc != nil && *rc == RetcodeInvalidStops {
			return true
		}
		if stopKeywords.MatchString(resp.Data.Text()) {
			return true
		}
	}
	return stopKeywords.MatchString(resp.Error)
}

// summarize merges the retcode message with any text from the payload.
func summarize(resp broker.Response[broker.OrderReply]) string {
	parts := make([]string, 0, 3)
	if resp.Data != nil {
		if rc := resp.Data.Retcode; rc != nil && *rc != 0 {
			parts = append(parts, fmt.Sprintf("%d: %s", *rc, RetcodeMessage(*rc)))
		}
		if text := resp.Data.Text(); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 && resp.Error != "" {
		parts = append(parts, resp.Error)
	}
	return strings.Join(parts, "; ")
}

// rawPayload returns what to store as the order's raw response.
func rawPayload(resp broker.Response[broker.OrderReply]) string {
	if resp.Data != nil && resp.Data.Raw != "" {
		return resp.Data.Raw
	}
	return resp.Error
}
