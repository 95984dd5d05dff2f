package extract

import (
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rohankatakam/retailgraph/internal/errors"
)

var validate = validator.New()

// Option configures a Reader
type Option func(*Reader)

// WithMaxRows stops the reader after n data rows (valid or not). Zero means no limit.
func WithMaxRows(n int) Option {
	return func(r *Reader) {
		r.maxRows = n
	}
}

// Reader lazily yields typed records from one CSV source. It is not safe for
// concurrent use; open one Reader per file.
type Reader struct {
	kind    Kind
	src     *csv.Reader
	closer  io.Closer
	columns map[string]int
	maxRows int
	rows    int
}

// Open opens a CSV file of the given kind
func Open(path string, kind Kind, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapConfig(err, fmt.Sprintf("open %s source %s", kind, path))
	}
	r, err := NewReader(f, kind, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader reads the header row from in and returns a Reader positioned at the
// first data row.
func NewReader(in io.Reader, kind Kind, opts ...Option) (*Reader, error) {
	required, ok := requiredColumns[kind]
	if !ok {
		return nil, errors.ConfigErrorf("unknown record kind %q", kind)
	}

	src := csv.NewReader(in)
	src.LazyQuotes = true
	src.FieldsPerRecord = -1
	src.ReuseRecord = true

	header, err := src.Read()
	if err != nil {
		return nil, errors.WrapConfig(err, fmt.Sprintf("read %s header", kind))
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, name := range required {
		if _, ok := columns[name]; !ok {
			return nil, errors.ConfigErrorf("%s source is missing column %q", kind, name)
		}
	}

	r := &Reader{
		kind:    kind,
		src:     src,
		columns: columns,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Kind returns the record kind this reader yields
func (r *Reader) Kind() Kind {
	return r.kind
}

// Next returns the next record. It returns io.EOF when the file (or the row
// limit) is exhausted. A malformed row yields a validation error and the reader
// stays usable, so callers skip and continue.
func (r *Reader) Next() (Record, error) {
	if r.maxRows > 0 && r.rows >= r.maxRows {
		return nil, io.EOF
	}

	fields, err := r.src.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	r.rows++

	var parseErr *csv.ParseError
	if stderrors.As(err, &parseErr) {
		return nil, errors.ValidationErrorf("%s line %d: %v", r.kind, parseErr.Line, parseErr.Err).
			WithContext("line", parseErr.Line)
	}
	if err != nil {
		return nil, errors.TransientError(err, fmt.Sprintf("read %s row", r.kind))
	}

	line, _ := r.src.FieldPos(0)
	row := rowView{fields: fields, columns: r.columns}

	rec, err := r.parse(row, line)
	if err != nil {
		return nil, errors.ValidationErrorf("%s line %d: %v", r.kind, line, err).WithContext("line", line)
	}
	if err := validate.Struct(rec); err != nil {
		return nil, errors.ValidationErrorf("%s line %d: %s", r.kind, line, describe(err)).WithContext("line", line)
	}
	return rec, nil
}

// Close releases the underlying file, if the reader opened one
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

func (r *Reader) parse(row rowView, line int) (Record, error) {
	switch r.kind {
	case KindCustomer:
		age, err := row.integer("age")
		if err != nil {
			return nil, err
		}
		return &Customer{
			LineNo:               line,
			CustomerID:           row.str("customer_id"),
			Age:                  age,
			ClubMemberStatus:     row.str("club_member_status"),
			FashionNewsFrequency: row.str("fashion_news_frequency"),
			PostalCode:           row.str("postal_code"),
		}, nil

	case KindArticle:
		return &Article{
			LineNo:           line,
			ArticleID:        row.str("article_id"),
			ProductCode:      row.str("product_code"),
			ProdName:         row.str("prod_name"),
			DetailDesc:       row.str("detail_desc"),
			ProductTypeNo:    row.str("product_type_no"),
			ProductTypeName:  row.str("product_type_name"),
			ProductGroupName: row.str("product_group_name"),
			ColourGroupCode:  row.str("colour_group_code"),
			ColourGroupName:  row.str("colour_group_name"),
			DepartmentNo:     row.str("department_no"),
			DepartmentName:   row.str("department_name"),
			IndexGroupNo:     row.str("index_group_no"),
			IndexGroupName:   row.str("index_group_name"),
		}, nil

	case KindTransaction:
		price, err := row.number("price")
		if err != nil {
			return nil, err
		}
		channel, err := row.integer("sales_channel_id")
		if err != nil {
			return nil, err
		}
		return &Transaction{
			LineNo:         line,
			Date:           row.str("t_dat"),
			CustomerID:     row.str("customer_id"),
			ArticleID:      row.str("article_id"),
			Price:          price,
			SalesChannelID: channel,
		}, nil
	}
	return nil, fmt.Errorf("unknown kind %q", r.kind)
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

// rowView gives by-name access to a CSV row. Missing columns and short rows read
// as empty.
type rowView struct {
	fields  []string
	columns map[string]int
}

func (v rowView) str(name string) string {
	i, ok := v.columns[name]
	if !ok || i >= len(v.fields) {
		return ""
	}
	return strings.TrimSpace(v.fields[i])
}

func (v rowView) integer(name string) (*int64, error) {
	raw := v.str(name)
	if raw == "" {
		return nil, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return &n, nil
	}
	// pandas exports integer columns with NaNs as "49.0"
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != math.Trunc(f) {
		return nil, fmt.Errorf("column %s: %q is not an integer", name, raw)
	}
	if math.Abs(f) >= math.MaxInt64 {
		return nil, fmt.Errorf("column %s: %q is out of range", name, raw)
	}
	n := int64(f)
	return &n, nil
}

func (v rowView) number(name string) (*float64, error) {
	raw := v.str(name)
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("column %s: %q is not a number", name, raw)
	}
	return &f, nil
}
