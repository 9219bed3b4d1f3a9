package searchindex

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
)

func keywordField() *mapping.FieldMapping {
	fm := bleve.NewTextFieldMapping()
	fm.Analyzer = keyword.Name
	fm.Store = true
	return fm
}

func textField() *mapping.FieldMapping {
	fm := bleve.NewTextFieldMapping()
	fm.Store = true
	return fm
}

func unstoredTextField() *mapping.FieldMapping {
	fm := bleve.NewTextFieldMapping()
	fm.Store = false
	return fm
}

func numericField() *mapping.FieldMapping {
	fm := bleve.NewNumericFieldMapping()
	fm.Store = true
	return fm
}

func dateField() *mapping.FieldMapping {
	fm := bleve.NewDateTimeFieldMapping()
	fm.Store = true
	return fm
}

func boolField() *mapping.FieldMapping {
	fm := bleve.NewBooleanFieldMapping()
	fm.Store = true
	return fm
}

// buildEnvelopeMapping lays out the fields spec.md §4.5's filter table and
// read surface need: exact-term fields for ids/addresses, analyzed text for
// the free-text search, a numeric size, a date, and an exploded facet-path
// field backing get_all_tags.
func buildEnvelopeMapping() *mapping.IndexMappingImpl {
	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("account_id", keywordField())
	doc.AddFieldMappingsAt("mailbox_id", keywordField())
	doc.AddFieldMappingsAt("uid", numericField())
	doc.AddFieldMappingsAt("thread_id", keywordField())
	doc.AddFieldMappingsAt("message_id", keywordField())
	doc.AddFieldMappingsAt("subject", textField())
	doc.AddFieldMappingsAt("body_text", unstoredTextField())
	doc.AddFieldMappingsAt("from", keywordField())
	doc.AddFieldMappingsAt("to", keywordField())
	doc.AddFieldMappingsAt("cc", keywordField())
	doc.AddFieldMappingsAt("bcc", keywordField())
	doc.AddFieldMappingsAt("has_attachment", boolField())
	doc.AddFieldMappingsAt("attachment_names", textField())
	doc.AddFieldMappingsAt("internal_date", dateField())
	doc.AddFieldMappingsAt("size", numericField())
	doc.AddFieldMappingsAt("tag_paths", keywordField())

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = "standard"
	return im
}

// buildEMLMapping is deliberately sparse: the EML index exists to locate
// bytes, not to be searched, so almost everything is Store-only.
func buildEMLMapping() *mapping.IndexMappingImpl {
	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("account_id", keywordField())
	doc.AddFieldMappingsAt("mailbox_id", keywordField())
	doc.AddFieldMappingsAt("mbox_id", keywordField())

	offset := bleve.NewNumericFieldMapping()
	offset.Store = true
	offset.Index = false
	doc.AddFieldMappingsAt("mbox_offset", offset)

	length := bleve.NewNumericFieldMapping()
	length.Store = true
	length.Index = false
	doc.AddFieldMappingsAt("mbox_len", length)

	body := bleve.NewTextFieldMapping()
	body.Store = true
	body.Index = false
	body.IncludeInAll = false
	doc.AddFieldMappingsAt("body", body)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}
