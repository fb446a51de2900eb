/*
DESCRIPTION
  file.go provides loading of configuration variables from a JSON file and
  watching of that file for changes.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fsnotify/fsnotify"
	jsoniter "github.com/json-iterator/go"
	"github.com/ausocean/utils/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ReadFile reads a JSON object of configuration variables from path and
// returns it in the form accepted by Config.Update. Numbers and booleans are
// converted to their string form.
func ReadFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}

	var raw map[string]interface{}
	err = json.Unmarshal(b, &raw)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal config file: %w", err)
	}

	vars := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case string:
			vars[k] = v
		case float64:
			vars[k] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			vars[k] = strconv.FormatBool(v)
		default:
			return nil, fmt.Errorf("unsupported value for %s: %v", k, v)
		}
	}
	return vars, nil
}

// WriteFile writes vars to path as a JSON object.
func WriteFile(path string, vars map[string]string) error {
	b, err := json.MarshalIndent(vars, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal config: %w", err)
	}
	return os.WriteFile(path, b, 0644)
}

// Watch calls fn with the file's variables each time the file at path is
// written or replaced, until ctx is cancelled. The directory holding the file
// is watched so that editors replacing the file are handled.
func Watch(ctx context.Context, path string, l logging.Logger, fn func(map[string]string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not create watcher: %w", err)
	}
	defer w.Close()

	err = w.Add(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("could not watch config directory: %w", err)
	}

	name := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			vars, err := ReadFile(path)
			if err != nil {
				l.Warning("could not reload config file", "error", err.Error())
				continue
			}
			l.Info("config file changed", "path", path)
			fn(vars)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.Warning("config watcher error", "error", err.Error())
		}
	}
}
