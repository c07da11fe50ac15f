package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/adboard/adboard-api/internal/auth"
	"github.com/adboard/adboard-api/internal/channels"
	"github.com/adboard/adboard-api/internal/database"
	"github.com/adboard/adboard-api/internal/escrow"
	"github.com/adboard/adboard-api/internal/ledger"
	"github.com/adboard/adboard-api/internal/notify"
	"github.com/adboard/adboard-api/internal/orders"
	"github.com/adboard/adboard-api/internal/publisher"
	"github.com/adboard/adboard-api/internal/referral"
	"github.com/adboard/adboard-api/internal/scheduler"
	"github.com/adboard/adboard-api/pkg/middleware"
)

const (
	minOrders     = 15
	maxOrders     = 80
	numWorkers    = 5
	numBuyers     = 8
	numSellers    = 4
	serverAddress = "http://localhost:8080"
	jwtSecret     = "simulation-secret-key"
	topUpAmount   = "10000"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the marketplace API.
// Tokens are issued through dev auth, one per simulated user.
type simulationClient struct {
	baseURL string
	client  *http.Client
	tokens  map[int64]string
	mu      sync.Mutex
	stats   map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
func newSimulationClient() *simulationClient {
	return &simulationClient{
		baseURL: serverAddress,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		tokens: make(map[int64]string),
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"top_up":  {name: "Top Up"},
			"create":  {name: "Create Order"},
			"approve": {name: "Approve Order"},
			"reject":  {name: "Reject Order"},
			"cancel":  {name: "Cancel Order"},
			"balance": {name: "Get Balance"},
		},
	}
}

// track wraps a request with duration and failure accounting
func (sc *simulationClient) track(route string, fn func() error) error {
	start := time.Now()
	err := fn()

	sc.mu.Lock()
	sc.stats[route].addDuration(time.Since(start))
	if err != nil {
		sc.stats[route].failures++
	}
	sc.mu.Unlock()

	return err
}

// doJSON performs an authenticated JSON request and decodes the envelope data
// field into out when non-nil
func (sc *simulationClient) doJSON(method, path string, userID int64, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.New().String())
	if userID != 0 {
		sc.mu.Lock()
		token := sc.tokens[userID]
		sc.mu.Unlock()
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return json.Unmarshal(envelope.Data, out)
}

// authenticate issues a dev-auth token for the given simulated user
func (sc *simulationClient) authenticate(userID int64) error {
	return sc.track("auth", func() error {
		var result struct {
			Token string `json:"jwt_token"`
		}
		err := sc.doJSON("POST", "/api/v1/auth/token", 0, map[string]int64{"user_id": userID}, &result)
		if err != nil {
			return err
		}
		if result.Token == "" {
			return fmt.Errorf("no token in response for user %d", userID)
		}

		sc.mu.Lock()
		sc.tokens[userID] = result.Token
		sc.mu.Unlock()
		return nil
	})
}

// topUp credits a buyer so order creation does not fail on funds
func (sc *simulationClient) topUp(userID int64, amount string) error {
	return sc.track("top_up", func() error {
		return sc.doJSON("POST", "/api/v1/balance/top-up", userID,
			map[string]string{"amount": amount}, nil)
	})
}

// createOrder submits a new ad order as the buyer
// Returns the order ID on success
func (sc *simulationClient) createOrder(buyerID int64, order *orders.CreateOrderRequest) (uint, error) {
	var post orders.AdPost
	err := sc.track("create", func() error {
		return sc.doJSON("POST", "/api/v1/orders", buyerID, order, &post)
	})
	if err != nil {
		return 0, err
	}
	if post.ID == 0 {
		return 0, fmt.Errorf("no order ID in response")
	}
	return post.ID, nil
}

// transition invokes a lifecycle action on the order as the given user
func (sc *simulationClient) transition(route string, userID int64, orderID uint) error {
	return sc.track(route, func() error {
		path := fmt.Sprintf("/api/v1/orders/%d/%s", orderID, route)
		return sc.doJSON("POST", path, userID, struct{}{}, nil)
	})
}

// getBalance fetches the current balance projection for a user
func (sc *simulationClient) getBalance(userID int64) (*ledger.BalanceResponse, error) {
	var balance ledger.BalanceResponse
	err := sc.track("balance", func() error {
		return sc.doJSON("GET", "/api/v1/balance", userID, nil, &balance)
	})
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

type createdOrder struct {
	id       uint
	buyerID  int64
	sellerID int64
}

// main runs the marketplace simulation
// It starts a local API server and drives the order lifecycle with multiple
// concurrent buyers
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient := newSimulationClient()

	// Issue tokens and fund the buyers
	buyers := make([]int64, 0, numBuyers)
	for i := 0; i < numBuyers; i++ {
		userID := int64(1000 + i)
		if err := simClient.authenticate(userID); err != nil {
			log.Fatal().Err(err).Int64("user_id", userID).Msg("Failed to authenticate buyer")
		}
		if err := simClient.topUp(userID, topUpAmount); err != nil {
			log.Fatal().Err(err).Int64("user_id", userID).Msg("Failed to top up buyer")
		}
		buyers = append(buyers, userID)
	}

	sellers := make([]int64, 0, numSellers)
	for i := 0; i < numSellers; i++ {
		userID := int64(2000 + i)
		if err := simClient.authenticate(userID); err != nil {
			log.Fatal().Err(err).Int64("user_id", userID).Msg("Failed to authenticate seller")
		}
		sellers = append(sellers, userID)
	}

	// Generate random number of orders to process
	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	ordersChan := make(chan createdOrder, targetOrders)
	var wg sync.WaitGroup

	// Start worker goroutines
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			createOrdersHTTP(workerID, targetOrders/numWorkers, simClient, buyers, sellers, ordersChan)
		}(i)
	}

	// Wait for all orders to be created
	wg.Wait()
	close(ordersChan)

	var created []createdOrder
	for order := range ordersChan {
		created = append(created, order)
	}

	log.Info().Int("orders_created", len(created)).Msg("All orders created")

	// Drive the lifecycle: most orders are approved by the seller, a slice
	// is rejected and another slice is cancelled by the buyer
	stats := struct {
		TotalOrders int
		Approved    int
		Rejected    int
		Cancelled   int
		Failed      int
		StartTime   time.Time
	}{
		TotalOrders: len(created),
		StartTime:   time.Now(),
	}

	for _, order := range created {
		var err error
		switch roll := rand.Float64(); {
		case roll < 0.70:
			if err = simClient.transition("approve", order.sellerID, order.id); err == nil {
				stats.Approved++
			}
		case roll < 0.85:
			if err = simClient.transition("reject", order.sellerID, order.id); err == nil {
				stats.Rejected++
			}
		default:
			if err = simClient.transition("cancel", order.buyerID, order.id); err == nil {
				stats.Cancelled++
			}
		}
		if err != nil {
			log.Error().Err(err).Uint("order_id", order.id).Msg("Failed to transition order")
			stats.Failed++
		}
	}

	// Final balances: spendable funds plus whatever approval left in escrow
	totalBalance := decimal.Zero
	totalHeld := decimal.Zero
	for _, userID := range append(append([]int64{}, buyers...), sellers...) {
		balance, err := simClient.getBalance(userID)
		if err != nil {
			log.Error().Err(err).Int64("user_id", userID).Msg("Failed to fetch balance")
			continue
		}
		totalBalance = totalBalance.Add(balance.Balance)
		totalHeld = totalHeld.Add(balance.HeldInEscrow)
		log.Info().
			Int64("user_id", userID).
			Str("balance", balance.Balance.String()).
			Str("held_in_escrow", balance.HeldInEscrow.String()).
			Msg("Final balance")
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("MARKETPLACE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
----------------
Total Orders:   %d
Approved:       %d
Rejected:       %d
Cancelled:      %d
Failed:         %d
Duration:       %v

Fund Conservation
-----------------
Total Balances: %s
Held In Escrow: %s
Funded:         %s x %d buyers
`, stats.TotalOrders, stats.Approved, stats.Rejected, stats.Cancelled, stats.Failed,
		duration.Round(time.Millisecond),
		totalBalance.String(), totalHeld.String(), topUpAmount, numBuyers)

	fmt.Println("\n" + strings.Repeat("=", 80))

	simClient.printPerformanceStats()
}

// createOrdersHTTP generates and submits random ad orders to the API
// Runs as a worker goroutine, sending created orders to ordersChan.
// Scheduled times are spread far apart so slot conflicts stay rare.
func createOrdersHTTP(workerID, numOrders int, simClient *simulationClient, buyers, sellers []int64, ordersChan chan<- createdOrder) {
	for i := 0; i < numOrders; i++ {
		buyerID := buyers[rand.Intn(len(buyers))]
		sellerID := sellers[rand.Intn(len(sellers))]

		offset := time.Duration(rand.Intn(24*14)) * time.Hour
		request := &orders.CreateOrderRequest{
			SellerID:      sellerID,
			PostText:      fmt.Sprintf("Simulated ad post from worker %d", workerID),
			ScheduledTime: time.Now().Add(48*time.Hour + offset).Truncate(time.Hour),
			DurationHours: []int{24, 48, 72, orders.PermanentDuration}[rand.Intn(4)],
			Price:         decimal.NewFromInt(int64(rand.Intn(900) + 100)),
		}

		orderID, err := simClient.createOrder(buyerID, request)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Int64("buyer_id", buyerID).
				Msg("Failed to create order")
			continue
		}

		ordersChan <- createdOrder{id: orderID, buyerID: buyerID, sellerID: sellerID}
		log.Info().
			Int("worker_id", workerID).
			Uint("order_id", orderID).
			Int64("buyer_id", buyerID).
			Int64("seller_id", sellerID).
			Str("price", request.Price.String()).
			Msg("Order created")

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
	}
}

// startServer initializes and starts the marketplace API server with dev
// auth enabled and no-op external collaborators
func startServer() error {
	gin.SetMode(gin.ReleaseMode)

	// Initialize database
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	authService := auth.NewService(jwtSecret, "", true)
	ledgerDB := ledger.NewDatabase(db)
	escrowService := escrow.NewService(db, ledgerDB)
	ledgerService := ledger.NewService(db, escrowService)
	referralService := referral.NewService(ledgerDB, decimal.RequireFromString("0.15"))
	channelsDB := channels.NewDatabase(db)
	ordersService := orders.NewService(db, escrowService, ledgerDB, referralService, decimal.RequireFromString("0.10"))

	notifier := notify.NewNoop()

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService, ledgerService)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)
	orderHandlers := orders.NewGinHandlers(ordersService, notifier)

	// Run the scheduler fast so publish and delete phases fire during the run
	processor := scheduler.NewProcessor(ordersService, channelsDB, publisher.NewNoop(), notifier, 5*time.Second, 5*time.Second)
	go processor.Start(context.Background())

	// Setup routes
	setupRoutes(router, authHandlers, ledgerHandlers, orderHandlers)

	// Start the server
	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	orderHandlers *orders.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Balance routes
		balance := v1.Group("/balance")
		balance.Use(middleware.JWTAuth(jwtSecret))
		{
			balance.GET("", ledgerHandlers.GetBalanceHandler())
			balance.POST("/top-up", ledgerHandlers.TopUpHandler())
			balance.GET("/entries", ledgerHandlers.GetAccountEntriesHandler())
		}

		// Order routes
		orderGroup := v1.Group("/orders")
		orderGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			orderGroup.POST("", orderHandlers.CreateOrderHandler())
			orderGroup.GET("", orderHandlers.ListOrdersHandler())
			orderGroup.GET("/pending", orderHandlers.PendingOrdersHandler())
			orderGroup.GET("/check-slot", orderHandlers.CheckSlotHandler())
			orderGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			orderGroup.POST("/:order_id/approve", orderHandlers.ApproveOrderHandler())
			orderGroup.POST("/:order_id/reject", orderHandlers.RejectOrderHandler())
			orderGroup.POST("/:order_id/cancel", orderHandlers.CancelOrderHandler())
		}
	}
}
