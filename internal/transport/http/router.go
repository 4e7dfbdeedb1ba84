package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"margind/internal/feed"
	"margind/internal/funding"
	"margind/internal/ledger"
	"margind/internal/logger"
	"margind/internal/market"
	"margind/internal/risk"
	"margind/internal/store/archive"

	"github.com/gin-gonic/gin"
)

const userHeader = "X-User-ID"

// Router exposes portfolio, position, market and risk endpoints. Every
// user-scoped route reads the caller identity from the X-User-ID
// header; there is no authentication layer in front of it.
type Router struct {
	Feed    *feed.Gateway
	Ledger  *ledger.Ledger
	Funding *funding.Engine
	Risk    *risk.Provider
	Guard   *risk.Guard
	Archive *archive.Archive
	Sim     *market.SimSource
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/market", r.handleMarketList)
	group.GET("/market/:symbol", r.handleMarketData)
	group.GET("/funding/:symbol/history", r.handleFundingHistory)
	group.GET("/funding/:symbol/predictions", r.handleFundingPredictions)
	group.GET("/stats", r.handleStats)
	group.GET("/ws/prices", r.handlePriceStream)

	user := group.Group("", requireUser())
	user.GET("/portfolio", r.handlePortfolio)
	user.POST("/portfolio/reset", r.handlePortfolioReset)
	user.GET("/positions", r.handlePositions)
	user.GET("/positions/:id", r.handlePositionDetail)
	user.POST("/positions/open", r.handleOpen)
	user.POST("/positions/:id/close", r.handleClose)
	user.POST("/positions/:id/stops", r.handleUpdateStops)
	user.GET("/risk/profile", r.handleRiskProfile)
	user.GET("/risk/warnings", r.handleRiskWarnings)
	user.GET("/risk/suspension", r.handleSuspension)
	user.POST("/risk/education", r.handleEducation)
	user.GET("/trades", r.handleTradeHistory)
	user.GET("/audit", r.handleAuditEvents)

	admin := group.Group("/admin")
	admin.POST("/simulate-price", r.handleSimulatePrice)
	admin.POST("/suspensions/:user/clear", r.handleClearSuspension)
}

func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := strings.TrimSpace(c.GetHeader(userHeader))
		if user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + userHeader + " header"})
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString("user")
}

func paperMode(c *gin.Context) bool {
	val := strings.ToLower(strings.TrimSpace(c.DefaultQuery("paper", "true")))
	return val != "0" && val != "false"
}

// writeLedgerError maps the ledger error taxonomy onto HTTP statuses.
func writeLedgerError(c *gin.Context, err error) {
	var valErr *ledger.ValidationError
	var polErr *ledger.PolicyViolation
	var suspErr *ledger.SuspendedError
	switch {
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": valErr.Error(), "field": valErr.Field})
	case errors.As(err, &suspErr):
		c.JSON(http.StatusLocked, gin.H{
			"error":             suspErr.Error(),
			"suspension_type":   suspErr.Type,
			"remaining_seconds": int(suspErr.Remaining.Seconds()),
		})
	case errors.As(err, &polErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": polErr.Error(), "rule": polErr.Rule,
			"limit": polErr.Limit, "current": polErr.Current,
		})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, feed.ErrUnknownSymbol):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (r *Router) handleMarketList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": r.Feed.Tracked()})
}

func (r *Router) handleMarketData(c *gin.Context) {
	symbol := c.Param("symbol")
	data, err := r.Feed.GetPrice(c.Request.Context(), symbol)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

func (r *Router) handleFundingHistory(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	c.JSON(http.StatusOK, gin.H{
		"symbol":  symbol,
		"history": r.Funding.History(symbol, limit),
	})
}

func (r *Router) handleFundingPredictions(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	c.JSON(http.StatusOK, gin.H{
		"symbol":      symbol,
		"predictions": r.Funding.Predict(symbol),
	})
}

func (r *Router) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, r.Feed.Stats())
}

func (r *Router) handlePortfolio(c *gin.Context) {
	pf := r.Ledger.Portfolio(userID(c), paperMode(c))
	c.JSON(http.StatusOK, pf)
}

func (r *Router) handlePortfolioReset(c *gin.Context) {
	pf := r.Ledger.ResetPortfolio(userID(c), paperMode(c))
	logger.Infof("[api] portfolio reset user=%s ip=%s", userID(c), c.ClientIP())
	c.JSON(http.StatusOK, pf)
}

func (r *Router) handlePositions(c *gin.Context) {
	user := userID(c)
	if strings.EqualFold(c.DefaultQuery("status", "open"), "all") {
		c.JSON(http.StatusOK, gin.H{"positions": r.Ledger.Positions(user)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": r.Ledger.OpenPositions(user)})
}

func (r *Router) handlePositionDetail(c *gin.Context) {
	pos, err := r.Ledger.GetPosition(userID(c), c.Param("id"))
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (r *Router) handleOpen(c *gin.Context) {
	var req ledger.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, err := r.Feed.GetPrice(c.Request.Context(), req.Symbol)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	pos, err := r.Ledger.OpenPosition(userID(c), req, data.MarkPrice)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pos)
}

func (r *Router) handleClose(c *gin.Context) {
	var req ledger.CloseRequest
	// An empty or absent body means a full close.
	_ = c.ShouldBindJSON(&req)
	req.PositionID = c.Param("id")

	pos, err := r.Ledger.GetPosition(userID(c), req.PositionID)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	data, err := r.Feed.GetPrice(c.Request.Context(), pos.Symbol)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	closed, err := r.Ledger.ClosePosition(userID(c), req, data.MarkPrice)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, closed)
}

type stopsRequest struct {
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

func (r *Router) handleUpdateStops(c *gin.Context) {
	var req stopsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pos, err := r.Ledger.UpdateStops(userID(c), c.Param("id"), req.StopLoss, req.TakeProfit)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (r *Router) handleRiskProfile(c *gin.Context) {
	user := userID(c)
	profile := r.Risk.Profile(user)
	tier := r.Risk.TierFor(user)
	missing, hasNext := r.Risk.MissingRequirements(user)
	c.JSON(http.StatusOK, gin.H{
		"profile":              profile,
		"tier":                 tier,
		"next_tier_available":  hasNext,
		"missing_requirements": missing,
	})
}

func (r *Router) handleRiskWarnings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"warnings": r.Ledger.RiskWarnings(userID(c), paperMode(c)),
	})
}

func (r *Router) handleSuspension(c *gin.Context) {
	susp, active := r.Guard.Active(userID(c))
	if !active {
		c.JSON(http.StatusOK, gin.H{"suspended": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"suspended": true, "suspension": susp})
}

type educationRequest struct {
	Modules int `json:"modules"`
}

func (r *Router) handleEducation(c *gin.Context) {
	var req educationRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Modules < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "modules must be a non-negative integer"})
		return
	}
	r.Risk.SetEducationModules(userID(c), req.Modules)
	c.JSON(http.StatusOK, r.Risk.Profile(userID(c)))
}

func (r *Router) handleTradeHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := r.Archive.ListTrades(c.Request.Context(), userID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (r *Router) handleAuditEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := r.Archive.ListEvents(c.Request.Context(), userID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type simulateRequest struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// handleSimulatePrice pins the simulated walk and injects the value as
// a live tick so triggers fire exactly as they would on a real feed.
func (r *Router) handleSimulatePrice(c *gin.Context) {
	var req simulateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Price <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price must be positive"})
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if r.Sim != nil {
		r.Sim.SetPrice(symbol, req.Price)
	}
	if err := r.Feed.Tick(c.Request.Context(), symbol, req.Price); err != nil {
		writeLedgerError(c, err)
		return
	}
	logger.Infof("[api] simulated price %s=%.2f ip=%s", symbol, req.Price, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "price": req.Price})
}

func (r *Router) handleClearSuspension(c *gin.Context) {
	user := strings.TrimSpace(c.Param("user"))
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user is required"})
		return
	}
	cleared := r.Guard.Clear(user)
	logger.Infof("[api] suspension clear user=%s cleared=%v ip=%s", user, cleared, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}
