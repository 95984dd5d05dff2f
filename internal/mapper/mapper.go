// Package mapper turns extracted source records into domain events.
//
// Mapping is pure: the same (source, record) always yields the same events with
// the same ids, so re-running the producer over a file republishes identical
// events and the graph converges to the same state.
package mapper

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/rohankatakam/retailgraph/internal/errors"
	"github.com/rohankatakam/retailgraph/internal/extract"
	"github.com/rohankatakam/retailgraph/internal/models"
)

// Namespace seeds every derived UUIDv5 (event ids and hashed vertex ids)
var Namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("retailgraph.ids"))

// Map converts one record into its ordered events. source names the input file
// and keeps event ids unique across files.
func Map(source string, rec extract.Record) ([]models.Event, error) {
	var (
		events []models.Event
		key    string
	)

	switch r := rec.(type) {
	case *extract.Customer:
		key = r.CustomerID
		events = mapCustomer(r)
	case *extract.Article:
		key = r.ArticleID
		events = mapArticle(r)
	case *extract.Transaction:
		key = r.CustomerID
		events = mapTransaction(r)
	default:
		return nil, errors.InternalErrorf("mapper: unsupported record %T", rec)
	}

	for i := range events {
		events[i].ID = EventID(source, rec.Line(), i)
		events[i].PartitionKey = key
		events[i].SequenceHint = int64(rec.Line())<<8 | int64(i)
	}
	return events, nil
}

// EventID derives the deterministic id of the i-th event of a source line
func EventID(source string, line, i int) string {
	return uuid.NewSHA1(Namespace, []byte(fmt.Sprintf("%s:%d:%d", source, line, i))).String()
}

// HashedID derives a stable vertex id from a raw name when the source exposes no code
func HashedID(label models.Label, name string) string {
	return uuid.NewSHA1(Namespace, []byte(string(label)+":"+name)).String()
}

func mapCustomer(c *extract.Customer) []models.Event {
	props := models.Properties{}
	if c.Age != nil {
		props["age"] = *c.Age
	}
	setString(props, "club_member_status", c.ClubMemberStatus)
	setString(props, "fashion_news_frequency", c.FashionNewsFrequency)
	setString(props, "postal_code", c.PostalCode)

	return []models.Event{
		models.NewVertexUpsert(models.LabelUser, c.CustomerID, props),
	}
}

func mapArticle(a *extract.Article) []models.Event {
	article := models.VertexRef{Label: models.LabelArticle, ID: a.ArticleID}
	product := models.VertexRef{Label: models.LabelProduct, ID: a.ProductCode}

	articleProps := models.Properties{"name": a.ProdName}
	setString(articleProps, "detail_desc", a.DetailDesc)

	events := []models.Event{
		models.NewVertexUpsert(article.Label, article.ID, articleProps),
		models.NewVertexUpsert(product.Label, product.ID, models.Properties{"name": a.ProdName}),
		models.NewEdgeUpsert(article, models.EdgeBelongsTo, product, nil),
	}

	link := func(from models.VertexRef, label models.Label, code, name string) (models.VertexRef, bool) {
		ref, ok := category(label, code, name)
		if !ok {
			return ref, false
		}
		props := models.Properties{}
		setString(props, "name", name)
		setString(props, "code", code)
		events = append(events,
			models.NewVertexUpsert(ref.Label, ref.ID, props),
			models.NewEdgeUpsert(from, models.EdgeBelongsTo, ref, nil),
		)
		return ref, true
	}

	link(article, models.LabelColourGroup, a.ColourGroupCode, a.ColourGroupName)
	if productType, ok := link(product, models.LabelProductType, a.ProductTypeNo, a.ProductTypeName); ok {
		link(productType, models.LabelProductGroup, "", a.ProductGroupName)
	}
	link(product, models.LabelDepartment, a.DepartmentNo, a.DepartmentName)
	link(product, models.LabelIndexGroup, a.IndexGroupNo, a.IndexGroupName)

	return events
}

func mapTransaction(t *extract.Transaction) []models.Event {
	props := models.Properties{}
	setString(props, "last_purchased_at", t.Date)
	if t.Price != nil {
		props["price"] = *t.Price
	}
	if t.SalesChannelID != nil {
		props["sales_channel_id"] = *t.SalesChannelID
	}

	return []models.Event{
		models.NewEdgeUpsert(
			models.VertexRef{Label: models.LabelUser, ID: t.CustomerID},
			models.EdgePurchased,
			models.VertexRef{Label: models.LabelArticle, ID: t.ArticleID},
			props,
		),
	}
}

// category resolves a category vertex id: the source code when present, else a
// hash of the name. A dimension with neither is absent from the row.
func category(label models.Label, code, name string) (models.VertexRef, bool) {
	switch {
	case code != "":
		return models.VertexRef{Label: label, ID: code}, true
	case name != "":
		return models.VertexRef{Label: label, ID: HashedID(label, name)}, true
	default:
		return models.VertexRef{}, false
	}
}

func setString(props models.Properties, key, value string) {
	if value != "" {
		props[key] = value
	}
}
