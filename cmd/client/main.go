package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/edgesync/iot-mirror/internal/client"
	"github.com/edgesync/iot-mirror/internal/connection"
	"github.com/edgesync/iot-mirror/internal/utils"
	"github.com/edgesync/iot-mirror/pkg/file"
)

const metricsInterval = 10 * time.Second

func main() {
	// Set up structured logging with JSON output
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Initialize file operations handler
	fileClient := file.NewFileService()

	// Load configuration from file
	config, err := utils.LoadConfig("configs/config.yaml", fileClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	c, err := client.New(config, fileClient, connection.TLSDialer{}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize client")
	}

	if err := c.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportSystemMetrics(ctx, c, log)

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stopCh:
		log.Info().Msg("Shutting down gracefully...")
	case err := <-c.Fatal():
		log.Error().Err(err).Msg("Shutting down after connection failure")
	}
	cancel()

	if err := c.Stop(true); err != nil {
		log.Error().Err(err).Msg("Failed to save state on shutdown")
	}
}

// reportSystemMetrics feeds host CPU and memory usage into the tree when
// the document defines a system-monitor device. Documents without one run
// a plain mirror.
func reportSystemMetrics(ctx context.Context, c *client.Client, log zerolog.Logger) {
	device := c.Device("system-monitor")
	if device == nil {
		log.Info().Msg("No system-monitor device in the tree, metrics reporting disabled")
		return
	}
	cpuValue := device.Value("cpu")
	memValue := device.Value("memory")

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cpuValue != nil {
				if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
					cpuValue.Update(strconv.FormatFloat(percents[0], 'f', 1, 64))
				}
			}
			if memValue != nil {
				if vm, err := mem.VirtualMemory(); err == nil {
					memValue.Update(strconv.FormatFloat(vm.UsedPercent, 'f', 1, 64))
				}
			}
		}
	}
}
