package extract

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankatakam/retailgraph/internal/errors"
)

// drain reads every row, collecting records and validation failures
func drain(t *testing.T, r *Reader) ([]Record, []error) {
	t.Helper()
	var (
		recs []Record
		bad  []error
	)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return recs, bad
		}
		if err != nil {
			require.True(t, errors.IsValidation(err), "unexpected error: %v", err)
			bad = append(bad, err)
			continue
		}
		recs = append(recs, rec)
	}
}

func TestCustomers(t *testing.T) {
	in := "\ufeffcustomer_id,FN,Active,club_member_status,fashion_news_frequency,age,postal_code\n" +
		"C1,,,ACTIVE,NONE,49.0,P1\n" +
		"C2,,,,,,\n" +
		",,,ACTIVE,NONE,20,P3\n" +
		"C4,,,ACTIVE,NONE,old,P4\n" +
		"C5,,,ACTIVE,NONE,200,P5\n"

	r, err := NewReader(strings.NewReader(in), KindCustomer)
	require.NoError(t, err)
	recs, bad := drain(t, r)

	require.Len(t, recs, 2)
	assert.Len(t, bad, 3)

	c1 := recs[0].(*Customer)
	assert.Equal(t, "C1", c1.CustomerID)
	require.NotNil(t, c1.Age)
	assert.Equal(t, int64(49), *c1.Age)
	assert.Equal(t, 2, c1.Line())

	c2 := recs[1].(*Customer)
	assert.Nil(t, c2.Age)
	assert.Empty(t, c2.PostalCode)
}

func TestIntegerOutOfRange(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr string
	}{
		{"1e30", "out of range"},
		{"-1e30", "out of range"},
		{"Inf", "out of range"},
		{"NaN", "not an integer"},
		{"9223372036854775807", ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			row := rowView{fields: []string{tt.raw}, columns: map[string]int{"age": 0}}
			n, err := row.integer("age")
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, int64(math.MaxInt64), *n)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestArticles(t *testing.T) {
	in := "article_id,product_code,prod_name,product_type_no,product_type_name,product_group_name,colour_group_code,colour_group_name,department_no,department_name,index_group_no,index_group_name,detail_desc\n" +
		"A1,P1,Strap top,253,Vest top,Garment Upper body,9,Black,1676,Jersey Basic,1,Ladieswear,\"Jersey top, narrow straps\"\n" +
		"A2,,Nameless,,,,,,,,,,\n"

	r, err := NewReader(strings.NewReader(in), KindArticle)
	require.NoError(t, err)
	recs, bad := drain(t, r)

	require.Len(t, recs, 1)
	require.Len(t, bad, 1)
	assert.Contains(t, bad[0].Error(), "ProductCode")

	a := recs[0].(*Article)
	assert.Equal(t, "A1", a.ArticleID)
	assert.Equal(t, "Jersey top, narrow straps", a.DetailDesc)
	assert.Equal(t, "Garment Upper body", a.ProductGroupName)
}

func TestTransactions(t *testing.T) {
	in := "t_dat,customer_id,article_id,price,sales_channel_id\n" +
		"2018-09-20,C1,A1,0.0508,2\n" +
		"20/09/2018,C1,A1,0.05,2\n" +
		"2018-09-21,C1,A2,-1,1\n" +
		"2018-09-22,C2,A1,,\n"

	r, err := NewReader(strings.NewReader(in), KindTransaction)
	require.NoError(t, err)
	recs, bad := drain(t, r)

	require.Len(t, recs, 2)
	assert.Len(t, bad, 2)

	tx := recs[0].(*Transaction)
	require.NotNil(t, tx.Price)
	assert.InDelta(t, 0.0508, *tx.Price, 1e-9)
	assert.Equal(t, int64(2), *tx.SalesChannelID)
	assert.Nil(t, recs[1].(*Transaction).Price)
}

func TestMissingColumn(t *testing.T) {
	_, err := NewReader(strings.NewReader("customer_id,price\n"), KindTransaction)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Contains(t, err.Error(), "article_id")
}

func TestMaxRows(t *testing.T) {
	in := "customer_id\nC1\nC2\nC3\n"
	r, err := NewReader(strings.NewReader(in), KindCustomer, WithMaxRows(2))
	require.NoError(t, err)

	recs, _ := drain(t, r)
	assert.Len(t, recs, 2)
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "customers.csv")
	require.NoError(t, os.WriteFile(path, []byte("customer_id\nC1\n"), 0644))

	r, err := Open(path, KindCustomer)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, KindCustomer, r.Kind())

	recs, _ := drain(t, r)
	assert.Len(t, recs, 1)

	_, err = Open(filepath.Join(t.TempDir(), "missing.csv"), KindCustomer)
	assert.True(t, errors.IsFatal(err))
}
