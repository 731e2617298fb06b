package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to controllers to keep behavior consistent with any future
	// non-API surface.
	"github.com/promokit/promokit/app/controllers"
	"github.com/promokit/promokit/internal/pkg/middleware"
)

// APIServer implements the v1 API surface.
type APIServer struct{}

// NewAPIServer creates a new API server instance
func NewAPIServer() *APIServer {
	return &APIServer{}
}

// Pong is the health check response body.
type Pong struct {
	Ping string `json:"ping"`
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// PostGeneration queues a new generation batch (API key protected).
func (s *APIServer) PostGeneration(c *fiber.Ctx) error {
	return controllers.HandleCreateGeneration(c)
}

// GetGeneration returns the polling status of a batch.
func (s *APIServer) GetGeneration(c *fiber.Ctx) error {
	return controllers.HandleGetGeneration(c)
}

// DeleteGeneration cancels the still-queued jobs of a batch.
func (s *APIServer) DeleteGeneration(c *fiber.Ctx) error {
	return controllers.HandleCancelGeneration(c)
}

// GetAccountBalance returns the effective token balance breakdown.
func (s *APIServer) GetAccountBalance(c *fiber.Ctx) error {
	return controllers.HandleGetBalance(c)
}

// GetAccount returns account information for the authenticated user.
func (s *APIServer) GetAccount(c *fiber.Ctx) error {
	return controllers.HandleGetAccount(c)
}

// GetAccountUsage lists the authenticated user's spend log.
func (s *APIServer) GetAccountUsage(c *fiber.Ctx) error {
	return controllers.HandleGetUsage(c)
}

// PostAccountAPIKey rotates the caller's API key.
func (s *APIServer) PostAccountAPIKey(c *fiber.Ctx) error {
	return controllers.HandleIssueAPIKey(c)
}

// PostPurchaseWebhook activates a subscription purchase. Secured by a shared
// secret header, not an API key.
func (s *APIServer) PostPurchaseWebhook(c *fiber.Ctx) error {
	return controllers.HandlePurchaseWebhook(c)
}

// RegisterHandlers attaches the v1 routes to the router group.
func RegisterHandlers(r fiber.Router, s *APIServer) {
	r.Get("/ping", s.GetPing)

	r.Post("/webhooks/purchase", s.PostPurchaseWebhook)

	protected := r.Group("", middleware.APIKeyAuthMiddleware())
	protected.Post("/generations", s.PostGeneration)
	protected.Get("/generations/:batchID", s.GetGeneration)
	protected.Delete("/generations/:batchID", s.DeleteGeneration)
	protected.Get("/account", s.GetAccount)
	protected.Get("/account/balance", s.GetAccountBalance)
	protected.Get("/account/usage", s.GetAccountUsage)
	protected.Post("/account/api-key", s.PostAccountAPIKey)
}
