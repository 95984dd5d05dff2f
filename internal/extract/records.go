package extract

// Kind identifies which source file a record came from
type Kind string

const (
	KindCustomer    Kind = "customer"
	KindArticle     Kind = "article"
	KindTransaction Kind = "transaction"
)

// Record is a typed, validated source row
type Record interface {
	Kind() Kind
	// Line is the 1-based line number in the source file
	Line() int
}

// Customer is a row of customers.csv
type Customer struct {
	LineNo               int    `validate:"-"`
	CustomerID           string `validate:"required,max=128"`
	Age                  *int64 `validate:"omitempty,gte=0,lte=130"`
	ClubMemberStatus     string `validate:"max=64"`
	FashionNewsFrequency string `validate:"max=64"`
	PostalCode           string `validate:"max=128"`
}

func (c *Customer) Kind() Kind { return KindCustomer }
func (c *Customer) Line() int  { return c.LineNo }

// Article is a row of articles.csv. Category dimensions are optional; codes are
// preferred as identifiers and names are kept as properties.
type Article struct {
	LineNo           int    `validate:"-"`
	ArticleID        string `validate:"required,max=128"`
	ProductCode      string `validate:"required,max=128"`
	ProdName         string `validate:"required"`
	DetailDesc       string
	ProductTypeNo    string
	ProductTypeName  string
	ProductGroupName string
	ColourGroupCode  string
	ColourGroupName  string
	DepartmentNo     string
	DepartmentName   string
	IndexGroupNo     string
	IndexGroupName   string
}

func (a *Article) Kind() Kind { return KindArticle }
func (a *Article) Line() int  { return a.LineNo }

// Transaction is a row of transactions_train.csv
type Transaction struct {
	LineNo         int      `validate:"-"`
	Date           string   `validate:"omitempty,datetime=2006-01-02"`
	CustomerID     string   `validate:"required,max=128"`
	ArticleID      string   `validate:"required,max=128"`
	Price          *float64 `validate:"omitempty,gte=0"`
	SalesChannelID *int64   `validate:"omitempty,gte=0"`
}

func (t *Transaction) Kind() Kind { return KindTransaction }
func (t *Transaction) Line() int  { return t.LineNo }

// columns each kind must carry in its header
var requiredColumns = map[Kind][]string{
	KindCustomer:    {"customer_id"},
	KindArticle:     {"article_id", "product_code", "prod_name"},
	KindTransaction: {"customer_id", "article_id"},
}
