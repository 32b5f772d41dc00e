package config

import (
	"bytes"
	_ "embed"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"
)

const (
	dirPerm  = 0o700
	filePerm = 0o644
)

//go:embed config.toml.tpl
var configTemplateText string

// keep the keys in config.toml.tpl in step with the mapstructure tags of Config
var configTemplate = template.Must(template.New("config.toml").Funcs(template.FuncMap{
	"str": strconv.Quote,
	"dur": func(d time.Duration) string { return strconv.Quote(d.String()) },
	"list": func(items []string) string {
		quoted := make([]string, len(items))
		for i, s := range items {
			quoted[i] = strconv.Quote(s)
		}
		return "[" + strings.Join(quoted, ", ") + "]"
	},
}).Parse(configTemplateText))

// RenderConfig returns the commented config.toml for c.
func RenderConfig(c *Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := configTemplate.Execute(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteConfigFile renders c and replaces path through a temporary file, so a
// crashed init never leaves half a config behind.
func WriteConfigFile(path string, c *Config) error {
	dat, err := RenderConfig(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, dat, filePerm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
