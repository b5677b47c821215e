package marketdata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"dip-leverage-bot/internal/models"

	"github.com/samber/lo"
)

// StockHeader 是行情 CSV 的表头, 下载器写出的文件也使用这个格式
var StockHeader = []string{"Date", "Open", "High", "Low", "Price"}

// InterestHeader is the header of the daily rate file (effective federal funds rate, percent).
var InterestHeader = []string{"DATE", "DFF"}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"Jan 02, 2006",
	"Jan 2, 2006",
	"20060102",
	time.RFC3339,
}

// ParseDate accepts the date formats seen in exported price files and returns midnight UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return models.NormalizeDate(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// parseNumber strips thousands separators before parsing.
func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 64)
}

// readTable reads a header row and returns the column index of every required column.
func readTable(r io.Reader, required []string) (*csv.Reader, map[string]int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("%w: empty csv", models.ErrInvalidInput)
		}
		return nil, nil, fmt.Errorf("读取CSV表头失败: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	missing := lo.Filter(required, func(c string, _ int) bool {
		_, ok := cols[c]
		return !ok
	})
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("%w: missing required columns: %s", models.ErrInvalidInput, strings.Join(missing, ", "))
	}
	return reader, cols, nil
}

func field(record []string, idx int) string {
	if idx >= len(record) {
		return ""
	}
	return record[idx]
}

// ParseStockCSV reads Date,Open,High,Low,Price rows. Rows with an unparseable date or close
// are dropped; the result is sorted by date with later duplicates replacing earlier ones.
func ParseStockCSV(r io.Reader) ([]models.PriceBar, error) {
	reader, cols, err := readTable(r, StockHeader)
	if err != nil {
		return nil, err
	}

	byDate := make(map[time.Time]models.PriceBar)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取CSV记录失败: %w", err)
		}
		date, err := ParseDate(field(record, cols["Date"]))
		if err != nil {
			continue
		}
		price, err := parseNumber(field(record, cols["Price"]))
		if err != nil {
			continue
		}
		bar := models.PriceBar{Date: date, Price: price}
		bar.Open = numberOr(field(record, cols["Open"]), price)
		bar.High = numberOr(field(record, cols["High"]), price)
		bar.Low = numberOr(field(record, cols["Low"]), price)
		byDate[date] = bar
	}

	bars := lo.Values(byDate)
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}

func numberOr(s string, fallback float64) float64 {
	v, err := parseNumber(s)
	if err != nil {
		return fallback
	}
	return v
}

// ParseInterestCSV reads DATE,DFF rows and converts the percentage to a fraction.
// Rows with a missing rate (FRED exports "." for holidays) are dropped.
func ParseInterestCSV(r io.Reader) ([]models.InterestRate, error) {
	reader, cols, err := readTable(r, InterestHeader)
	if err != nil {
		return nil, err
	}

	var rates []models.InterestRate
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取CSV记录失败: %w", err)
		}
		date, err := ParseDate(field(record, cols["DATE"]))
		if err != nil {
			continue
		}
		pct, err := parseNumber(field(record, cols["DFF"]))
		if err != nil {
			continue
		}
		rates = append(rates, models.InterestRate{Date: date, Rate: pct / 100})
	}
	sort.SliceStable(rates, func(i, j int) bool { return rates[i].Date.Before(rates[j].Date) })
	return rates, nil
}

// WriteStockCSV writes bars in the format ParseStockCSV reads.
func WriteStockCSV(w io.Writer, bars []models.PriceBar) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(StockHeader); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}
	for _, b := range bars {
		record := []string{
			b.Date.Format("2006-01-02"),
			strconv.FormatFloat(b.Open, 'f', -1, 64),
			strconv.FormatFloat(b.High, 'f', -1, 64),
			strconv.FormatFloat(b.Low, 'f', -1, 64),
			strconv.FormatFloat(b.Price, 'f', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("写入CSV记录失败: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}
