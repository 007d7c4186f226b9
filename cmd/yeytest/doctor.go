package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yunusemreyildiz/yeytest/internal/maestro"
	"github.com/yunusemreyildiz/yeytest/internal/ocr"
	"github.com/yunusemreyildiz/yeytest/internal/store"
)

// doctorCmd checks the host for everything a run needs. Missing
// optional tools degrade a run; missing required ones block it.
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check device tooling, OCR, ffmpeg, provider keys, and the result store",
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Println(titleStyle.Render("yeytest doctor"))

	healthy := true
	check := func(name string, ok bool, detail string, required bool) {
		fmt.Println(renderCheck(name, ok, detail))
		if required && !ok {
			healthy = false
		}
	}
	tool := func(name, binary string, required bool, missingDetail string) {
		path, err := exec.LookPath(binary)
		if err != nil {
			if missingDetail == "" {
				missingDetail = binary + " not on PATH"
			}
			check(name, false, missingDetail, required)
			return
		}
		check(name, true, path, required)
	}

	tool("maestro", cfg.Maestro.Binary, true, "")
	tool("adb", cfg.Maestro.ADB, true, "")
	tool("xcrun", cfg.Maestro.Xcrun, false, "iOS capture unavailable")
	tool("ffmpeg", cfg.Frames.FFmpeg, false, "frame extraction unavailable")
	tool("ffprobe", cfg.Frames.FFprobe, false, "recording duration unavailable")

	if engine := ocr.NewTesseract(); engine.Available() {
		check("tesseract", true, "", false)
	} else {
		check("tesseract", false, "text signal will be unavailable", false)
	}

	if cfg.AI.APIKey != "" {
		provider := cfg.AI.Provider
		if provider == "" {
			provider = "auto"
		}
		check("provider key", true, provider, false)
	} else {
		check("provider key", false, "set ANTHROPIC_API_KEY or GEMINI_API_KEY for ai/hybrid levels", false)
	}

	if s, err := store.Open(cfg.Store.Path); err != nil {
		check("result store", false, err.Error(), true)
	} else {
		check("result store", true, s.Path(), true)
		s.Close()
	}

	if err := os.MkdirAll(cfg.Artifacts.Dir, 0o755); err != nil {
		check("artifacts", false, err.Error(), true)
	} else {
		check("artifacts", true, cfg.Artifacts.Dir, true)
	}

	if executor, err := maestro.NewWithConfig(maestro.Config{
		Binary: cfg.Maestro.Binary,
		ADB:    cfg.Maestro.ADB,
		Xcrun:  cfg.Maestro.Xcrun,
	}); err == nil {
		if devices, err := executor.ListDevices(cmd.Context()); err == nil {
			check("devices", len(devices) > 0, strings.Join(devices, ", "), false)
		} else {
			check("devices", false, err.Error(), false)
		}
	}

	if !healthy {
		return fmt.Errorf("doctor found missing required tools")
	}
	return nil
}
