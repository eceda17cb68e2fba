// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rainers/cv2pdb"
)

var (
	flagDVersion  float64
	flagCMode     bool
	flagNoDemangle bool
	flagTypedefEnum bool
	flagDotChar   string
	flagPdbRef    string
	flagDebugLink string
	flagDebug     uint32
)

var rootCmd = &cobra.Command{
	Use:   "cv2pdb [flags] <exe-file> [new-exe-file] [pdb-file]",
	Short: "Convert CodeView/DWARF debug information to PDB files",
	Long: `cv2pdb converts the debug information embedded in a PE binary into a
Microsoft PDB consumable by Windows debuggers, and rewrites the binary so
its debug directory points to the new PDB. Both the legacy CodeView dialect
with language-specific OEM extensions and DWARF 2-5 are accepted.`,
	Args:          cobra.RangeArgs(1, 3),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          convert,
}

func init() {
	f := rootCmd.Flags()
	f.Float64VarP(&flagDVersion, "source-version", "D", 2.072, "source language version gate")
	f.BoolVarP(&flagCMode, "foreign", "C", false, "force foreign-language mode (no D typedefs, no OEM lowering)")
	f.BoolVarP(&flagNoDemangle, "no-demangle", "n", false, "disable symbol demangling")
	f.BoolVarP(&flagTypedefEnum, "typedef-enum", "e", false, "emit typedefs as empty enums")
	f.StringVarP(&flagDotChar, "dot-char", "s", "@", "dot replacement character for emitted names")
	f.StringVarP(&flagPdbRef, "pdb-ref", "p", "", "external PDB reference path embedded in the image")
	f.StringVarP(&flagDebugLink, "debug-link", "l", "", "override debug-link file")
	f.Uint32Var(&flagDebug, "debug", 0, "debug-tracing bitmask")

	viper.SetEnvPrefix("CV2PDB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(f)
}

// changeExtension replaces the file extension, appending it when the name
// has none.
func changeExtension(name, ext string) string {
	old := filepath.Ext(name)
	if old == "" {
		return name + ext
	}
	return name[:len(name)-len(old)] + ext
}

func loadImage(exeName string) (*cv2pdb.PEImage, error) {
	img, err := cv2pdb.New(exeName, nil)
	if err != nil {
		return nil, err
	}
	err = img.Parse()
	if err == nil && img.Payload != cv2pdb.PayloadNone {
		return img, nil
	}

	// No embedded payload; try a separate debug file named by the
	// debug-link section, an override, or the .dbg convention.
	dbgName := flagDebugLink
	if dbgName == "" {
		dbgName = img.DebugLink
	}
	if dbgName == "" {
		dbgName = changeExtension(exeName, ".dbg")
	} else if _, statErr := os.Stat(dbgName); statErr != nil {
		// debug-link names are resolved against a .debug subdirectory too
		alt := filepath.Join(filepath.Dir(exeName), ".debug", dbgName)
		if _, statErr = os.Stat(alt); statErr == nil {
			dbgName = alt
		}
	}
	img.Close()

	if _, statErr := os.Stat(dbgName); statErr != nil {
		if err != nil {
			return nil, err
		}
		return nil, cv2pdb.ErrNoDebugInfo
	}

	dbg, err := cv2pdb.New(dbgName, nil)
	if err != nil {
		return nil, err
	}
	if err := dbg.Parse(); err != nil {
		dbg.Close()
		return nil, err
	}
	return dbg, nil
}

func convert(cmd *cobra.Command, args []string) error {
	cfg := cv2pdb.DefaultConfig()
	cfg.DVersion = flagDVersion
	if flagCMode {
		cfg.DVersion = 0
	}
	cfg.DemangleSymbols = !flagNoDemangle
	cfg.UseTypedefEnum = flagTypedefEnum
	if flagDotChar != "" {
		cfg.DotReplacementChar = flagDotChar[0]
	}
	cfg.Debug = cv2pdb.DebugLevel(flagDebug)

	exeName := args[0]
	outName := exeName
	if len(args) > 1 && args[1] != "" {
		outName = args[1]
	}
	pdbName := changeExtension(outName, ".pdb")
	if len(args) > 2 {
		pdbName = args[2]
	}
	abs, err := filepath.Abs(pdbName)
	if err == nil {
		pdbName = abs
	}

	img, err := loadImage(exeName)
	if err != nil {
		return fmt.Errorf("%s: %w", exeName, err)
	}
	defer img.Close()

	os.Remove(pdbName)

	conv := cv2pdb.NewConverter(img, cfg)
	if err := conv.OpenPDB(newBackend(), pdbName, flagPdbRef); err != nil {
		return fmt.Errorf("%s: %w", pdbName, err)
	}

	if err := conv.Convert(outName); err != nil {
		_ = conv.Close(false)
		return fmt.Errorf("%s: %w", outName, err)
	}
	return conv.Close(true)
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if strings.Contains(err.Error(), "accepts between") ||
			strings.Contains(err.Error(), "unknown flag") {
			return -1
		}
		return 1
	}
	return 0
}
