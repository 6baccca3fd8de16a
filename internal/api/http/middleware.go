package http

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"go.uber.org/zap"

	"github.com/spec-kit/issue-tracker/internal/observability"
	apperrors "github.com/spec-kit/issue-tracker/pkg/util/errorutil"
)

// MiddlewareConfig tunes the global middleware chain.
type MiddlewareConfig struct {
	Timeout time.Duration
	// ExposeDiagnostics adds wrapped error text to error bodies. Off in
	// production.
	ExposeDiagnostics bool
	// AllowOrigins is a comma separated CORS origin list. Empty allows all.
	AllowOrigins string
}

// RegisterMiddlewares attaches global middlewares. The request logger runs
// outermost so it sees the status written by the error handler. CORS runs
// ahead of every route group so preflight requests never reach auth.
func RegisterMiddlewares(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics, cfg MiddlewareConfig) {
	app.Use(observability.RequestLogger(logger, metrics))
	app.Use(cors.New(corsConfig(cfg.AllowOrigins)))
	app.Use(errorHandlingMiddleware(logger, metrics, cfg.ExposeDiagnostics))
	if cfg.Timeout > 0 {
		app.Use(requestTimeoutMiddleware(cfg.Timeout))
	}
}

// ErrorHandler is installed as fiber's ErrorHandler for errors raised outside
// the middleware chain, such as unmatched routes.
func ErrorHandler(exposeDiagnostics bool) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		return writeError(c, apperrors.ToDomainError(err), exposeDiagnostics)
	}
}

func corsConfig(origins string) cors.Config {
	if origins == "" {
		origins = "*"
	}
	return cors.Config{
		AllowOrigins: origins,
		AllowMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}
}

func requestTimeoutMiddleware(timeout time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
		defer cancel()
		c.SetUserContext(ctx)
		return c.Next()
	}
}

func errorHandlingMiddleware(logger *zap.Logger, metrics *observability.Metrics, exposeDiagnostics bool) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				err = apperrors.NewInternalError(nil)
			}
			if err != nil {
				domainErr := apperrors.ToDomainError(err)
				metrics.RecordError(observability.RouteKey(c), c.Method(), domainErr.Code)
				if domainErr.HTTPStatus >= 500 {
					logger.Error("request failed",
						zap.String("method", c.Method()),
						zap.String("path", c.Path()),
						zap.Error(domainErr))
				}
				err = writeError(c, domainErr, exposeDiagnostics)
			}
		}()
		return c.Next()
	}
}

func writeError(c *fiber.Ctx, domainErr *apperrors.DomainError, exposeDiagnostics bool) error {
	body := fiber.Map{
		"code":    domainErr.Code,
		"message": domainErr.Message,
	}
	if len(domainErr.Details) > 0 {
		body["details"] = domainErr.Details
	}
	if exposeDiagnostics && domainErr.Err != nil {
		body["debug"] = domainErr.Err.Error()
	}
	return c.Status(domainErr.HTTPStatus).JSON(fiber.Map{"error": body})
}
