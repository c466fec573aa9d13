package qa

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/echodesk/core/internal/pkg/apperr"
)

const maxImportBytes = 5 << 20

func readImportFile(c *gin.Context) ([]CreateInput, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, apperr.InvalidPayload("import file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return nil, apperr.InvalidPayload("import file unreadable")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxImportBytes+1))
	if err != nil {
		return nil, apperr.InvalidPayload("import file unreadable")
	}
	if len(data) > maxImportBytes {
		return nil, apperr.InvalidPayload("import file exceeds %d bytes", maxImportBytes)
	}

	name := strings.ToLower(fh.Filename)
	switch {
	case strings.HasSuffix(name, ".csv"):
		return parseCSVItems(data)
	case strings.HasSuffix(name, ".json"):
		return parseJSONItems(data)
	}
	return nil, apperr.InvalidPayload("import file must be .csv or .json")
}

// parseJSONItems accepts either a bare array of pairs or {"items": [...]}.
func parseJSONItems(data []byte) ([]CreateInput, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var items []CreateInput
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, apperr.InvalidPayload("invalid json import: %v", err)
		}
		return items, nil
	}
	var body struct {
		Items []CreateInput `json:"items"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, apperr.InvalidPayload("invalid json import: %v", err)
	}
	return body.Items, nil
}

// parseCSVItems expects a header row naming at least question and answer;
// category and subcategory columns are optional.
func parseCSVItems(data []byte) ([]CreateInput, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, apperr.InvalidPayload("csv import is empty or malformed")
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\uFEFF")))] = i
	}
	qIdx, qOK := cols["question"]
	aIdx, aOK := cols["answer"]
	if !qOK || !aOK {
		return nil, apperr.InvalidPayload("csv import needs question and answer columns")
	}

	cell := func(record []string, idx int) string {
		if idx < 0 || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}
	catIdx, catOK := cols["category"]
	subIdx, subOK := cols["subcategory"]

	var items []CreateInput
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperr.InvalidPayload("csv import row %d malformed: %v", len(items)+2, err)
		}
		item := CreateInput{
			Question: cell(record, qIdx),
			Answer:   cell(record, aIdx),
		}
		if catOK {
			if v := cell(record, catIdx); v != "" {
				item.Category = &v
			}
		}
		if subOK {
			if v := cell(record, subIdx); v != "" {
				item.Subcategory = &v
			}
		}
		items = append(items, item)
	}
	return items, nil
}
