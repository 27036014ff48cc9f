package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	_ "github.com/lib/pq"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	_ "modernc.org/sqlite"

	"github.com/Vovarama1992/wa-gateway/internal/config"
	"github.com/Vovarama1992/wa-gateway/internal/gateway"
	"github.com/Vovarama1992/wa-gateway/internal/logger"
)

// Connector opens whatsmeow clients bound to the first device in the
// credential store. The store is opened once and shared by every client.
type Connector struct {
	cfg    config.SessionConfig
	logger *slog.Logger

	mu        sync.Mutex
	container *sqlstore.Container
}

func NewConnector(cfg config.SessionConfig, logger *slog.Logger) *Connector {
	return &Connector{cfg: cfg, logger: logger}
}

func (c *Connector) Open(ctx context.Context) (gateway.Client, error) {
	container, err := c.store(ctx)
	if err != nil {
		return nil, err
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, logger.WA(c.logger, "client"))
	return newConn(client, c.logger), nil
}

// ClearCredentials removes the stored device so the next client pairs from
// scratch. A store without a paired device is left as is.
func (c *Connector) ClearCredentials(ctx context.Context) error {
	container, err := c.store(ctx)
	if err != nil {
		return err
	}

	device, err := container.GetFirstDevice(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	if device.ID == nil {
		return nil
	}

	if err := device.Delete(ctx); err != nil {
		return fmt.Errorf("delete device %s: %w", device.ID, err)
	}
	c.logger.Info("device credentials deleted", "jid", device.ID.String())
	return nil
}

func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.container == nil {
		return nil
	}
	err := c.container.Close()
	c.container = nil
	return err
}

func (c *Connector) store(ctx context.Context) (*sqlstore.Container, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.container != nil {
		return c.container, nil
	}

	if c.cfg.StoreDriver == "sqlite" && c.cfg.AuthDir != "" {
		if err := os.MkdirAll(c.cfg.AuthDir, 0o700); err != nil {
			return nil, fmt.Errorf("create auth dir: %w", err)
		}
	}

	container, err := sqlstore.New(ctx, c.cfg.StoreDriver, c.cfg.StoreDSN, logger.WA(c.logger, "store"))
	if err != nil {
		return nil, fmt.Errorf("open credential store (%s): %w", c.cfg.StoreDriver, err)
	}
	c.logger.Info("credential store ready", "driver", c.cfg.StoreDriver)

	c.container = container
	return container, nil
}
