package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/vogtb/go-recalc/packages/value"
	"github.com/vogtb/go-recalc/packages/workbook"
)

// Script is a workbook replay file:
//
//	worksheets: [Sheet1, Data]
//	steps:
//	  - {op: set, cell: Data!A1, value: 15}
//	  - {op: set, cell: A1, value: "=Data!A1*2"}
//	  - {op: read, cell: A1}
type Script struct {
	Worksheets []string `yaml:"worksheets" validate:"dive,required"`
	Steps      []Step   `yaml:"steps" validate:"dive"`
}

type Step struct {
	Op    string          `yaml:"op" validate:"required,oneof=set remove read add_worksheet remove_worksheet rename_worksheet define_name remove_name insert_rows delete_rows insert_columns delete_columns recalculate"`
	Cell  string          `yaml:"cell" validate:"required_if=Op set,required_if=Op remove,required_if=Op read"`
	Value value.Primitive `yaml:"value"`
	Sheet string          `yaml:"sheet"`
	To    string          `yaml:"to" validate:"required_if=Op rename_worksheet"`
	Name  string          `yaml:"name" validate:"required_if=Op define_name,required_if=Op remove_name"`
	Ref   string          `yaml:"ref" validate:"required_if=Op define_name"`
	At    uint32          `yaml:"at"`
	Count uint32          `yaml:"count"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func parseScript(data []byte) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := validate.Struct(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func loadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := parseScript(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// replay applies the script to wb, writing one line per read to out.
func (s *Script) replay(ctx context.Context, wb *workbook.Workbook, out io.Writer) error {
	for _, name := range s.Worksheets {
		if err := wb.AddWorksheet(name); err != nil {
			return err
		}
	}
	for i, step := range s.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step.apply(ctx, wb, out); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
	}
	return nil
}

func (st Step) apply(ctx context.Context, wb *workbook.Workbook, out io.Writer) error {
	count := st.Count
	if count == 0 {
		count = 1
	}
	switch st.Op {
	case "set":
		return wb.Set(st.Cell, st.Value)
	case "remove":
		return wb.Remove(st.Cell)
	case "read":
		v, err := wb.Get(st.Cell)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s = %s\n", st.Cell, display(v))
		return err
	case "add_worksheet":
		return wb.AddWorksheet(st.Sheet)
	case "remove_worksheet":
		return wb.RemoveWorksheet(st.Sheet)
	case "rename_worksheet":
		return wb.RenameWorksheet(st.Sheet, st.To)
	case "define_name":
		return wb.DefineName(st.Name, st.Ref)
	case "remove_name":
		return wb.RemoveName(st.Name)
	case "insert_rows":
		return wb.InsertRows(st.Sheet, st.At, count)
	case "delete_rows":
		return wb.DeleteRows(st.Sheet, st.At, count)
	case "insert_columns":
		return wb.InsertColumns(st.Sheet, st.At, count)
	case "delete_columns":
		return wb.DeleteColumns(st.Sheet, st.At, count)
	case "recalculate":
		_, err := wb.Recalculate(ctx)
		return err
	}
	return fmt.Errorf("unknown op %q", st.Op)
}

func display(v value.Primitive) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return value.ToString(v)
}
