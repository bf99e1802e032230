// Package server exposes a built release directory over HTTP so update
// clients can be pointed at it during development and testing.
package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"deltapatch/internal/debug"
	appErrors "deltapatch/internal/errors"
	"deltapatch/internal/manifest"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/afero"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// logRequest is a function variable to allow overriding in tests.
var logRequest = debug.Logf

// Config describes what to serve.
type Config struct {
	// Dir is the release directory holding version.json, files.json and the bundles.
	Dir string
	// Prefix is the URL path the release is mounted under, e.g. "/android".
	Prefix string
	Addr   string
}

// ReleaseInfo is the body of GET /release.
type ReleaseInfo struct {
	manifest.VersionRecord
	Files     int   `json:"files"`
	TotalSize int64 `json:"totalSize"`
}

func (c Config) prefix() string {
	return "/" + strings.Trim(c.Prefix, "/")
}

// New builds the fiber app for cfg. The release directory must contain a
// version record.
func New(cfg Config) (*fiber.App, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, appErrors.New(appErrors.CodeConfiguration, "release directory is not set", nil)
	}
	if _, err := loadRelease(cfg.Dir); err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		ServerHeader:          "deltapatch",
		AppName:               "deltapatch release server",
		DisableStartupMessage: true,
	})

	app.Use(func(c *fiber.Ctx) error {
		err := c.Next()
		logRequest("serve %s %s -> %d", c.Method(), c.Path(), c.Response().StatusCode())
		return err
	})
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/release", func(c *fiber.Ctx) error {
		info, err := loadRelease(cfg.Dir)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(info)
	})

	app.Static(cfg.prefix(), cfg.Dir, fiber.Static{
		Browse:        false,
		CacheDuration: -1,
	})
	return app, nil
}

func loadRelease(dir string) (ReleaseInfo, error) {
	fs := afero.NewOsFs()
	data, err := afero.ReadFile(fs, filepath.Join(dir, manifest.VersionFile))
	if err != nil {
		return ReleaseInfo{}, appErrors.New(appErrors.CodeNotFound, "release version record", err)
	}
	v, err := manifest.DecodeVersion(data)
	if err != nil {
		return ReleaseInfo{}, appErrors.New(appErrors.CodeParseFailed, "release version record", err)
	}
	info := ReleaseInfo{VersionRecord: v}

	data, err = afero.ReadFile(fs, filepath.Join(dir, manifest.FileListFile))
	if err != nil {
		return ReleaseInfo{}, appErrors.New(appErrors.CodeNotFound, "release file list", err)
	}
	fl, err := manifest.DecodeFileList(data)
	if err != nil {
		return ReleaseInfo{}, appErrors.New(appErrors.CodeParseFailed, "release file list", err)
	}
	info.Files = len(fl.Files)
	info.TotalSize = manifest.TotalSize(fl.Files)
	return info, nil
}

// ListenAndServe serves cfg until ctx is cancelled.
func ListenAndServe(ctx context.Context, cfg Config) error {
	app, err := New(cfg)
	if err != nil {
		return err
	}
	addr := cfg.Addr
	if strings.TrimSpace(addr) == "" {
		addr = DefaultAddr
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()
	debug.Logf("serving %s at %s%s", cfg.Dir, addr, cfg.prefix())

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}
