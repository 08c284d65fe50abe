package document

import (
	"sort"

	"github.com/kiranshivaraju/approvalhub/internal/approval"
	"github.com/kiranshivaraju/approvalhub/internal/erp"
	"github.com/kiranshivaraju/approvalhub/pkg/erpql"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
)

// Schema maps ERP tables and columns onto documents. Table names are the
// base names; each tenant appends its own suffix.
type Schema struct {
	DocumentTable string
	Branch        string
	Number        string
	Type          string
	Item          string
	Product       string
	Description   string
	Quantity      string
	UnitPrice     string
	ItemTotal     string
	IssueDate     string
	Buyer         string
	Supplier      string

	ApprovalTable    string
	ApprovalBranch   string
	ApprovalNumber   string
	ApprovalLevel    string
	ApprovalUser     string
	ApprovalName     string
	ApprovalStatus   string
	ApprovalComment  string
	ApprovalReleased string
}

// DefaultSchema reads purchase orders from SC7 and their approvals from SCR.
var DefaultSchema = Schema{
	DocumentTable: "SC7",
	Branch:        "C7_FILIAL",
	Number:        "C7_NUM",
	Type:          "C7_TIPO",
	Item:          "C7_ITEM",
	Product:       "C7_PRODUTO",
	Description:   "C7_DESCRI",
	Quantity:      "C7_QUANT",
	UnitPrice:     "C7_PRECO",
	ItemTotal:     "C7_TOTAL",
	IssueDate:     "C7_EMISSAO",
	Buyer:         "C7_USER",
	Supplier:      "C7_FORNECE",

	ApprovalTable:    "SCR",
	ApprovalBranch:   "CR_FILIAL",
	ApprovalNumber:   "CR_NUM",
	ApprovalLevel:    "CR_NIVEL",
	ApprovalUser:     "CR_USER",
	ApprovalName:     "CR_APROV",
	ApprovalStatus:   "CR_STATUS",
	ApprovalComment:  "CR_OBS",
	ApprovalReleased: "CR_DATALIB",
}

func (s Schema) documentFields() []string {
	return []string{
		s.Branch, s.Number, s.Type, s.Item, s.Product, s.Description,
		s.Quantity, s.UnitPrice, s.ItemTotal, s.IssueDate, s.Buyer, s.Supplier,
	}
}

func (s Schema) approvalFields() []string {
	return []string{
		s.ApprovalBranch, s.ApprovalNumber, s.ApprovalLevel, s.ApprovalUser,
		s.ApprovalName, s.ApprovalStatus, s.ApprovalComment, s.ApprovalReleased,
	}
}

func (s Schema) documentOrder() []erpql.Order {
	return []erpql.Order{{Field: s.Branch}, {Field: s.Number}, {Field: s.Item}}
}

type docKey struct{ branch, number string }

// itemsOf narrows conds to the item rows of one document whose item number
// compares to item by op.
func (s Schema) itemsOf(conds []erpql.Condition, k docKey, op erpql.Operator, item string) []erpql.Condition {
	out := make([]erpql.Condition, 0, len(conds)+3)
	out = append(out, conds...)
	return append(out,
		erpql.Condition{Field: s.Branch, Operator: erpql.OpEq, Value: k.branch},
		erpql.Condition{Field: s.Number, Operator: erpql.OpEq, Value: k.number},
		erpql.Condition{Field: s.Item, Operator: op, Value: item},
	)
}

// groupDocuments folds item rows into documents, keeping the order in which
// documents first appear. Items are sorted by item number.
func (s Schema) groupDocuments(rows []erp.Row) ([]models.Document, map[docKey]int) {
	docs := make([]models.Document, 0)
	index := make(map[docKey]int)
	for _, r := range rows {
		k := docKey{r.String(s.Branch), r.String(s.Number)}
		i, ok := index[k]
		if !ok {
			i = len(docs)
			index[k] = i
			docs = append(docs, models.Document{
				Branch:    k.branch,
				Number:    k.number,
				Type:      r.String(s.Type),
				IssueDate: r.Date(s.IssueDate),
				Buyer:     r.String(s.Buyer),
				Supplier:  r.String(s.Supplier),
				Items:     []models.LineItem{},
				Levels:    []models.ApprovalLevel{},
			})
		}
		item := models.LineItem{
			Item:        r.String(s.Item),
			Product:     r.String(s.Product),
			Description: r.String(s.Description),
			Quantity:    r.Decimal(s.Quantity),
			UnitPrice:   r.Decimal(s.UnitPrice),
			Total:       r.Decimal(s.ItemTotal),
		}
		docs[i].Items = append(docs[i].Items, item)
		docs[i].TotalValue = docs[i].TotalValue.Add(item.Total)
	}
	for i := range docs {
		items := docs[i].Items
		sort.SliceStable(items, func(a, b int) bool { return items[a].Item < items[b].Item })
	}
	return docs, index
}

// attachLevels maps approval rows onto their documents, ordered by level.
func (s Schema) attachLevels(docs []models.Document, index map[docKey]int, rows []erp.Row) {
	for _, r := range rows {
		i, ok := index[docKey{r.String(s.ApprovalBranch), r.String(s.ApprovalNumber)}]
		if !ok {
			continue
		}
		state, known := approval.ParseERPState(r.String(s.ApprovalStatus))
		if !known {
			state = models.LevelAwaitingPriorLevel
		}
		level := models.ApprovalLevel{
			Order:        r.Int(s.ApprovalLevel),
			ApproverID:   r.String(s.ApprovalUser),
			ApproverName: r.String(s.ApprovalName),
			State:        state,
			Comment:      r.String(s.ApprovalComment),
		}
		if released := r.Date(s.ApprovalReleased); !released.IsZero() {
			level.ReleasedAt = &released
		}
		docs[i].Levels = append(docs[i].Levels, level)
	}
	for i := range docs {
		levels := docs[i].Levels
		sort.SliceStable(levels, func(a, b int) bool { return levels[a].Order < levels[b].Order })
		docs[i].Status = approval.AggregateStatus(levels)
	}
}
