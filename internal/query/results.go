package query

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/nlqgate/nlqgate/internal/catalog"
	"github.com/nlqgate/nlqgate/internal/storage"
)

// resultCell is one value of a result set. Results from arbitrary queries
// have no fixed schema, so they are stored in long form.
type resultCell struct {
	RowIndex    int64  `parquet:"row_index"`
	ColumnIndex int32  `parquet:"column_index"`
	ColumnName  string `parquet:"column_name"`
	Value       string `parquet:"value"`
	IsNull      bool   `parquet:"is_null"`
}

// EncodeParquet writes result as long-form cells ordered by row then column.
func EncodeParquet(result Result) ([]byte, error) {
	cells := make([]resultCell, 0, len(result.Rows)*len(result.Columns))
	for rowIndex, row := range result.Rows {
		for columnIndex, value := range row {
			cell := resultCell{
				RowIndex:    int64(rowIndex),
				ColumnIndex: int32(columnIndex),
				IsNull:      value == nil,
			}
			if columnIndex < len(result.Columns) {
				cell.ColumnName = result.Columns[columnIndex]
			}
			if value != nil {
				cell.Value = formatValue(value)
			}
			cells = append(cells, cell)
		}
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[resultCell](buf)
	if _, err := writer.Write(cells); err != nil {
		return nil, fmt.Errorf("write parquet cells: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

type ParquetSink struct {
	store storage.ObjectStore
}

func NewParquetSink(store storage.ObjectStore) *ParquetSink {
	return &ParquetSink{store: store}
}

func (s *ParquetSink) Save(ctx context.Context, history catalog.QueryHistory, result Result) (string, error) {
	key, err := storage.BuildResultPath(history.TenantID, history.ConnectionID, history.HistoryID, history.CreatedAt)
	if err != nil {
		return "", err
	}
	data, err := EncodeParquet(result)
	if err != nil {
		return "", err
	}
	if _, err := s.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.ParquetContentType); err != nil {
		return "", fmt.Errorf("upload result: %w", err)
	}
	return key, nil
}

func normalizeValue(value any) any {
	switch v := value.(type) {
	case nil, string, int64, float64, bool:
		return v
	case []byte:
		return string(v)
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

func formatValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
