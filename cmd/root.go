package cmd

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lodestardb/lodestar/config"
	"github.com/lodestardb/lodestar/server"
)

func init() {
	flags := rootCmd.PersistentFlags()

	// Every config field becomes a flag, driven by its struct tags. Adding a
	// knob to LodestarConfig is all it takes to expose it here.
	c := config.LodestarConfig{}
	_type := reflect.TypeOf(c)
	for i := 0; i < _type.NumField(); i++ {
		field := _type.Field(i)
		yamlTag := field.Tag.Get("mapstructure")
		descriptionTag := field.Tag.Get("description")
		defaultTag := field.Tag.Get("default")

		switch field.Type.Kind() {
		case reflect.String:
			flags.String(yamlTag, defaultTag, descriptionTag)
		case reflect.Int:
			val, _ := strconv.Atoi(defaultTag)
			flags.Int(yamlTag, val, descriptionTag)
		case reflect.Bool:
			val, _ := strconv.ParseBool(defaultTag)
			flags.Bool(yamlTag, val, descriptionTag)
		case reflect.Slice:
			if field.Type.Elem().Kind() == reflect.String {
				var defVal []string
				if defaultTag != "" {
					for _, seg := range strings.Split(defaultTag, ",") {
						if trim := strings.TrimSpace(seg); trim != "" {
							defVal = append(defVal, trim)
						}
					}
				}
				flags.StringSlice(yamlTag, defVal, descriptionTag)
			}
		}
	}
}

var rootCmd = &cobra.Command{
	Use:     "lodestar",
	Short:   "Lodestar - a replicated durable key-value store",
	Version: config.LodestarVersion,
	Run: func(cmd *cobra.Command, args []string) {
		config.Load(cmd.Flags())
		server.Start()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
