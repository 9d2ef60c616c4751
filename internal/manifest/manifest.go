// Package manifest loads module manifests for publishing. A manifest is a
// module.yaml file describing the tables, reducers, and lifecycle hooks a
// database expects from its registered module implementation.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"pkt.systems/shellrelay/schema"
)

// Filename is the manifest file resolved inside a project directory.
const Filename = "module.yaml"

// LoadProject reads Filename from a project directory.
func LoadProject(dir string) (schema.ModuleDef, error) {
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, Filename)
	def, err := LoadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return schema.ModuleDef{}, fmt.Errorf("no %s in %s", Filename, dir)
		}
		return schema.ModuleDef{}, err
	}
	return def, nil
}

// LoadFile reads a manifest from an explicit path.
func LoadFile(path string) (schema.ModuleDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.ModuleDef{}, err
	}
	def, err := Parse(data)
	if err != nil {
		return schema.ModuleDef{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse decodes and validates manifest bytes. Unknown fields are rejected so
// typos in table or reducer definitions fail the publish instead of silently
// dropping parts of the schema.
func Parse(data []byte) (schema.ModuleDef, error) {
	var def schema.ModuleDef
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return schema.ModuleDef{}, errors.New("manifest is empty")
		}
		return schema.ModuleDef{}, fmt.Errorf("parse manifest: %w", err)
	}
	if err := schema.ValidateModuleDef(def); err != nil {
		return schema.ModuleDef{}, err
	}
	return def, nil
}
