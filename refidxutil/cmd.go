/*
Copyright © 2026 the RefIdx authors.
This file is part of RefIdx.

RefIdx is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

RefIdx is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with RefIdx.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package refidxutil holds the command-line interface for the RefIdx
// chunk-reference indexing tools.
package refidxutil

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/lnashier/viper"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const version = "0.1.0"

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to RefIdx.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "format",
			usage: `
              format specifies the file format of the inputs. Valid values
              are 'netcdf', 'geotiff', 'grib', and 'auto'. With 'auto' the
              format is guessed from each file's extension.`,
			defaultVal: "auto",
			flagsets:   []*pflag.FlagSet{extractCmd.Flags()},
		},
		{
			name: "output",
			usage: `
              output specifies where the resulting reference index should be
              written. For 'extract' with several inputs it is a directory;
              otherwise it is a file path. The default is standard output.`,
			shorthand:  "o",
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{extractCmd.Flags(), combineCmd.Flags()},
		},
		{
			name: "inline_threshold",
			usage: `
              inline_threshold is the chunk size in bytes at or below which
              chunk data is embedded directly in the index instead of being
              referenced by offset. Set it to a negative number to disable
              inlining.`,
			defaultVal: 256,
			flagsets:   []*pflag.FlagSet{extractCmd.Flags()},
		},
		{
			name: "grib_levels",
			usage: `
              grib_levels restricts GRIB extraction to messages whose level
              value is in the given list. An empty list keeps all messages.`,
			defaultVal: []int{},
			flagsets:   []*pflag.FlagSet{extractCmd.Flags()},
		},
		{
			name: "max_retry_seconds",
			usage: `
              max_retry_seconds is how long to keep retrying failed reads of
              remote files before giving up.`,
			defaultVal: 30,
			flagsets: []*pflag.FlagSet{extractCmd.Flags(), readCmd.Flags(),
				serveCmd.Flags()},
		},
		{
			name: "concat_dims",
			usage: `
              concat_dims lists the dimensions along which the inputs to
              'combine' should be concatenated, in order of precedence.`,
			defaultVal: []string{"time"},
			flagsets:   []*pflag.FlagSet{combineCmd.Flags()},
		},
		{
			name: "identical_dims",
			usage: `
              identical_dims lists dimensions that are expected to be the
              same in every input to 'combine'. Variables indexed only by
              identical dimensions are carried over from the first input.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{combineCmd.Flags()},
		},
		{
			name: "identical_vars",
			usage: `
              identical_vars lists variables that are expected to be the
              same in every input to 'combine'.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{combineCmd.Flags()},
		},
		{
			name: "coords",
			usage: `
              coords maps each concatenation dimension to a rule for deriving
              its coordinate value from each input. Rules have the form
              'attr:NAME', 'var:NAME', or 'filename:REGEXP|TIMELAYOUT', for
              example {"time": "filename:gfs_(\\d{8}T\\d{2})|20060102T15"}.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{combineCmd.Flags()},
		},
		{
			name: "variable",
			usage: `
              variable is the name of the variable to read.`,
			shorthand:  "v",
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{readCmd.Flags()},
		},
		{
			name: "begin",
			usage: `
              begin specifies the beginning element index (inclusive) in each
              dimension of the slab to read. The default is the origin.`,
			defaultVal: []int{},
			flagsets:   []*pflag.FlagSet{readCmd.Flags()},
		},
		{
			name: "end",
			usage: `
              end specifies the ending element index (exclusive) in each
              dimension of the slab to read. The default is the variable
              shape.`,
			defaultVal: []int{},
			flagsets:   []*pflag.FlagSet{readCmd.Flags()},
		},
		{
			name: "workers",
			usage: `
              workers is the number of chunks to fetch and decode
              concurrently.`,
			defaultVal: 4,
			flagsets:   []*pflag.FlagSet{readCmd.Flags(), serveCmd.Flags()},
		},
		{
			name: "cache_dir",
			usage: `
              cache_dir specifies a directory for caching decoded chunks on
              disk. If empty, chunks are only cached in memory.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{readCmd.Flags(), serveCmd.Flags()},
		},
		{
			name: "addr",
			usage: `
              addr is the address for the dataset server to listen on.`,
			defaultVal: ":8080",
			flagsets:   []*pflag.FlagSet{serveCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("REFIDX")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case []string:
				if option.shorthand == "" {
					set.StringSlice(option.name, option.defaultVal.([]string), option.usage)
				} else {
					set.StringSliceP(option.name, option.shorthand, option.defaultVal.([]string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case []int:
				if option.shorthand == "" {
					set.IntSlice(option.name, option.defaultVal.([]int), option.usage)
				} else {
					set.IntSliceP(option.name, option.shorthand, option.defaultVal.([]int), option.usage)
				}
			case float64:
				if option.shorthand == "" {
					set.Float64(option.name, option.defaultVal.(float64), option.usage)
				} else {
					set.Float64P(option.name, option.shorthand, option.defaultVal.(float64), option.usage)
				}
			case map[string]string:
				b := bytes.NewBuffer(nil)
				e := json.NewEncoder(b)
				e.Encode(option.defaultVal)
				s := string(b.Bytes())
				if option.shorthand == "" {
					set.String(option.name, s, option.usage)
				} else {
					set.StringP(option.name, option.shorthand, s, option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(extractCmd)
	Root.AddCommand(combineCmd)
	Root.AddCommand(infoCmd)
	Root.AddCommand(readCmd)
	Root.AddCommand(serveCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("refidx: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "refidx",
	Short: "A chunk-reference indexer for scientific data files.",
	Long: `RefIdx scans scientific data files (NetCDF, GeoTIFF, and GRIB2),
records the byte location of every data chunk in a small JSON index, and
serves the referenced data back as virtual multidimensional arrays without
copying or converting the original files.

Refer to the subcommand documentation for configuration options and default
settings. Configuration can be changed by using a configuration file (and
providing the path to the file using the --config flag), by using
command-line arguments, or by setting environment variables in the format
'REFIDX_var' where 'var' is the name of the variable to be set. Refer to
https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of RefIdx.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("RefIdx v%s\n", version)
	},
	DisableAutoGenTag: true,
}

var extractCmd = &cobra.Command{
	Use:   "extract file [file...]",
	Short: "Extract chunk references from data files.",
	Long: `extract scans each of the given data files and writes a reference
index describing the variables, chunk layout, and byte locations of the
chunk data within the file. The files themselves are not modified or copied.
Input paths may be local file paths or URLs understood by the configured
blob storage providers (for example s3:// or gs:// buckets).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("refidx: extract requires at least one input file")
		}
		return Extract(args, Cfg.GetString("format"), Cfg.GetString("output"),
			Cfg.GetInt("inline_threshold"), getIntSlice("grib_levels", Cfg),
			Cfg.GetInt("max_retry_seconds"))
	},
	DisableAutoGenTag: true,
}

var combineCmd = &cobra.Command{
	Use:   "combine index [index...]",
	Short: "Combine reference indexes into one.",
	Long: `combine merges several reference indexes, typically one per time
step or model level, into a single index describing one logical dataset.
Variables are concatenated along the dimensions given by --concat_dims;
a coordinate variable for each concatenation dimension can be derived from
the inputs using the rules given by --coords.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 2 {
			return fmt.Errorf("refidx: combine requires at least two input indexes")
		}
		return CombineFiles(args, Cfg.GetStringSlice("concat_dims"),
			Cfg.GetStringSlice("identical_dims"), Cfg.GetStringSlice("identical_vars"),
			GetStringMapString("coords", Cfg), Cfg.GetString("output"))
	},
	DisableAutoGenTag: true,
}

var infoCmd = &cobra.Command{
	Use:   "info index",
	Short: "Summarize a reference index.",
	Long: `info prints the variables, dimensions, data types, chunk layouts,
and attributes recorded in a reference index.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("refidx: info requires exactly one index file")
		}
		return Info(cmd.OutOrStdout(), args[0])
	},
	DisableAutoGenTag: true,
}

var readCmd = &cobra.Command{
	Use:   "read index",
	Short: "Read data through a reference index.",
	Long: `read fetches the chunks of a variable through a reference index,
decodes them, and prints the resulting values. Use --begin and --end to
read a hyperslab instead of the whole variable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("refidx: read requires exactly one index file")
		}
		return ReadVar(cmd.OutOrStdout(), args[0], Cfg.GetString("variable"),
			getIntSlice("begin", Cfg), getIntSlice("end", Cfg),
			Cfg.GetInt("workers"), Cfg.GetString("cache_dir"),
			Cfg.GetInt("max_retry_seconds"))
	},
	DisableAutoGenTag: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve index",
	Short: "Serve a dataset over HTTP.",
	Long: `serve loads a reference index and serves the dataset it describes
over HTTP. The index document is available at /index.json, variable
metadata at /vars, and decoded chunk data at /chunk/{variable}/{i.j.k}.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("refidx: serve requires exactly one index file")
		}
		return Serve(args[0], Cfg.GetString("addr"), Cfg.GetInt("workers"),
			Cfg.GetString("cache_dir"), Cfg.GetInt("max_retry_seconds"))
	},
	DisableAutoGenTag: true,
}
