package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"mt5-executor/internal/broker"
	apperrors "mt5-executor/internal/errors"
	"mt5-executor/internal/models"
	"mt5-executor/internal/trading"
)

type planBody struct {
	BaseSymbol string              `json:"base_symbol" binding:"required"`
	Side       string              `json:"side"`
	Mode       string              `json:"mode"`
	Quantity   decimal.Decimal     `json:"quantity"`
	Value      decimal.Decimal     `json:"value"`
	Execution  string              `json:"execution"`
	Price      decimal.NullDecimal `json:"price"`
	TakeProfit decimal.NullDecimal `json:"tp"`
}

type buyBody struct {
	BaseSymbol     string              `json:"base_symbol" binding:"required"`
	Execution      string              `json:"execution"`
	Price          decimal.NullDecimal `json:"price"`
	TakeProfit     decimal.NullDecimal `json:"tp"`
	ReferencePrice decimal.NullDecimal `json:"reference_price"`
	Legs           []trading.BuyLeg    `json:"legs" binding:"required"`
}

type sellBody struct {
	Execution string              `json:"execution"`
	Price     decimal.NullDecimal `json:"price"`
}

type clientBody struct {
	Name      string `json:"name" binding:"required"`
	PublicIP  string `json:"public_ip"`
	PrivateIP string `json:"private_ip"`
}

func int64Param(c *gin.Context, name string) (int64, error) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		return 0, apperrors.NewValidationError(name, c.Param(name), "must be a positive integer")
	}
	return v, nil
}

func parseExecution(s string) (models.Execution, error) {
	exec, ok := models.ParseExecution(s)
	if !ok {
		return "", apperrors.NewValidationError("execution", s, "must be market or limit")
	}
	return exec, nil
}

func (h *Handler) bind(c *gin.Context, target interface{}) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		h.fail(c, apperrors.NewValidationError("body", nil, err.Error()))
		return false
	}
	return true
}

func (h *Handler) plan(c *gin.Context) {
	clientID, err := int64Param(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var body planBody
	if !h.bind(c, &body) {
		return
	}
	exec, err := parseExecution(body.Execution)
	if err != nil {
		h.fail(c, err)
		return
	}

	plan, err := h.engine.Plan(c.Request.Context(), clientID, trading.PlanRequest{
		BaseSymbol: body.BaseSymbol,
		Side:       models.Side(body.Side),
		Mode:       trading.PlanMode(body.Mode),
		Quantity:   body.Quantity,
		Value:      body.Value,
		Execution:  exec,
		LimitPrice: body.Price,
		TakeProfit: body.TakeProfit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (h *Handler) submitBuy(c *gin.Context) {
	clientID, err := int64Param(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var body buyBody
	if !h.bind(c, &body) {
		return
	}
	exec, err := parseExecution(body.Execution)
	if err != nil {
		h.fail(c, err)
		return
	}

	res, err := h.engine.SubmitBuy(c.Request.Context(), clientID, trading.BuyRequest{
		BaseSymbol:     body.BaseSymbol,
		Execution:      exec,
		Price:          body.Price,
		TakeProfit:     body.TakeProfit,
		ReferencePrice: body.ReferencePrice,
		Legs:           body.Legs,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) pollBuy(c *gin.Context) {
	clientID, err := int64Param(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	st, err := h.engine.PollBuy(c.Request.Context(), clientID, c.Param("group"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) submitSell(c *gin.Context) {
	clientID, err := int64Param(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	positionID, err := int64Param(c, "pos")
	if err != nil {
		h.fail(c, err)
		return
	}
	var body sellBody
	if c.Request.ContentLength != 0 && !h.bind(c, &body) {
		return
	}
	exec, err := parseExecution(body.Execution)
	if err != nil {
		h.fail(c, err)
		return
	}

	res, err := h.engine.SubmitSell(c.Request.Context(), clientID, positionID, trading.SellRequest{
		Execution: exec,
		Price:     body.Price,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) pollSell(c *gin.Context) {
	clientID, err := int64Param(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	st, err := h.engine.PollSell(c.Request.Context(), clientID, c.Param("group"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) positions(c *gin.Context) {
	clientID, err := int64Param(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	openOnly := c.Query("open") == "true"
	holdings, err := h.engine.Holdings(c.Request.Context(), clientID, openOnly)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]positionView, 0, len(holdings))
	for _, hd := range holdings {
		out = append(out, holdingView(hd))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) quote(c *gin.Context) {
	clientID, err := int64Param(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	resp, err := h.engine.Quote(c.Request.Context(), clientID, c.Param("symbol"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !resp.OK || resp.Data == nil {
		status := http.StatusBadGateway
		if resp.Status == http.StatusNotFound {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": fmt.Sprintf("quote unavailable: %s", resp.Error), "terminal_status": resp.Status})
		return
	}
	c.JSON(http.StatusOK, quoteView(resp.Data))
}

func quoteView(q *broker.Quote) gin.H {
	return gin.H{
		"symbol":          q.Symbol,
		"bid":             q.Bid,
		"ask":             q.Ask,
		"last":            q.Last,
		"reference_price": q.ReferencePrice(),
		"time":            q.Time,
	}
}

func (h *Handler) terminalStatus(c *gin.Context) {
	report, err := h.engine.Health(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) listClients(c *gin.Context) {
	clients, err := h.engine.Clients(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]clientView, 0, len(clients))
	for i := range clients {
		out = append(out, newClientView(&clients[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) addClient(c *gin.Context) {
	var body clientBody
	if !h.bind(c, &body) {
		return
	}
	client, err := h.engine.AddClient(c.Request.Context(), body.Name, body.PublicIP, body.PrivateIP)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, newClientView(client))
}
