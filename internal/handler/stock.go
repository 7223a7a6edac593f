package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xenking/grocer/internal/domain/auth"
	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/product"
	"github.com/xenking/grocer/internal/domain/stock"
	"github.com/xenking/grocer/internal/stockimport"
)

type stockEntryRequest struct {
	Quantity int64 `validate:"gte=0"`
}

type movementRequest struct {
	Reason   string `validate:"oneof=ADD RESTOCK SALE ADJUSTMENT"`
	Quantity int64  `validate:"gte=0"`
}

// stockKey reads the balance key from the path and checks the key may write
// stock of the store.
func stockKey(r *http.Request, key *auth.APIKeyInfo) (stock.Key, error) {
	k := stock.Key{StoreID: r.PathValue("storeID"), ProductID: r.PathValue("productID")}
	if err := key.Authorize(auth.ScopeStockWrite, k.StoreID); err != nil {
		return stock.Key{}, err
	}
	return k, nil
}

// storeProduct returns the catalog product of k, checking the store sells
// it.
func (h *Handler) storeProduct(r *http.Request, k stock.Key) (*product.Product, error) {
	p, err := h.Products.GetByID(r.Context(), k.ProductID)
	if err != nil {
		return nil, err
	}
	if p.StoreID != k.StoreID {
		return nil, failure.Validation("product %s is not sold by store %s", p.ID, k.StoreID)
	}
	return p, nil
}

func (h *Handler) createStockEntry(w http.ResponseWriter, r *http.Request, key *auth.APIKeyInfo) {
	k, err := stockKey(r, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var req stockEntryRequest
	err = h.decodeObject(w, r, func(d *jx.Decoder, field string) error {
		if field != "quantity" {
			return d.Skip()
		}
		var err error
		req.Quantity, err = d.Int64()
		return err
	})
	if err == nil {
		err = h.check(req)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	p, err := h.storeProduct(r, k)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := h.Ledger.CreateInitialEntry(r.Context(), k, req.Quantity, actorID(key), p.WeightGrams)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeBalance(w, http.StatusCreated, b)
}

// adjustStock records a manual movement. For ADJUSTMENT the quantity is the
// counted stock, otherwise the amount moved.
func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request, key *auth.APIKeyInfo) {
	k, err := stockKey(r, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var req movementRequest
	err = h.decodeObject(w, r, func(d *jx.Decoder, field string) error {
		var err error
		switch field {
		case "reason":
			var s string
			s, err = d.Str()
			req.Reason = strings.ToUpper(s)
		case "quantity":
			req.Quantity, err = d.Int64()
		default:
			err = d.Skip()
		}
		return err
	})
	if err == nil {
		err = h.check(req)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	p, err := h.storeProduct(r, k)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := h.Ledger.Adjust(r.Context(), k, req.Quantity, stock.Reason(req.Reason), actorID(key), p.WeightGrams)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeBalance(w, http.StatusOK, b)
}

func (h *Handler) retireStock(w http.ResponseWriter, r *http.Request, key *auth.APIKeyInfo) {
	k, err := stockKey(r, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := h.Ledger.Retire(r.Context(), k, actorID(key))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeBalance(w, http.StatusOK, b)
}

// getStock returns the balance, its recent movements and whether the whole
// journal replays to the stored quantity.
func (h *Handler) getStock(w http.ResponseWriter, r *http.Request, key *auth.APIKeyInfo) {
	k, err := stockKey(r, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := queryInt64(r, "limit", int64(h.cfg.HistoryLimit))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	b, err := h.Ledger.Balance(r.Context(), k)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if b.Version == 0 {
		h.fail(w, r, stock.ErrBalanceNotFound)
		return
	}
	history, err := h.Ledger.History(r.Context(), k, int(limit))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	replay, err := h.Ledger.Verify(r.Context(), k)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("balance")
		encodeBalance(e, b)
		e.FieldStart("movements")
		e.ArrStart()
		for _, m := range history {
			encodeMovement(e, m)
		}
		e.ArrEnd()
		e.FieldStart("replay")
		e.ObjStart()
		e.FieldStart("consistent")
		e.Bool(replay.Consistent())
		e.FieldStart("journal_sum")
		e.Int64(replay.JournalSum)
		e.FieldStart("movements")
		e.Int(replay.Movements)
		e.ObjEnd()
		e.ObjEnd()
	})
}

func writeBalance(w http.ResponseWriter, status int, b stock.Balance) {
	writeJSON(w, status, func(e *jx.Encoder) {
		encodeBalance(e, b)
	})
}

const importSchemaURL = "https://grocer.schemas.local/admin/stock-import.schema.json"

const importSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["items"],
  "additionalProperties": false,
  "properties": {
    "batch": {"type": "string", "maxLength": 64},
    "items": {
      "type": "array",
      "minItems": 1,
      "maxItems": 5000,
      "items": {
        "type": "object",
        "required": ["store_id", "product_id", "quantity"],
        "additionalProperties": false,
        "properties": {
          "store_id": {"type": "string", "minLength": 1},
          "product_id": {"type": "string", "minLength": 1},
          "quantity": {"type": "integer", "minimum": 1},
          "batch": {"type": "string", "maxLength": 64}
        }
      }
    }
  }
}`

var importSchema = mustCompileSchema(importSchemaURL, importSchemaJSON)

func mustCompileSchema(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(errors.Wrap(err, "load schema"))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(errors.Wrap(err, "compile schema"))
	}
	return compiled
}

// validateImport checks an import body against the import schema.
func validateImport(body []byte) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return failure.Validation("malformed request body: %v", err)
	}
	if err := importSchema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return failure.Validation("import body does not match schema: %s", schemaMessage(ve))
		}
		return failure.Validation("import body does not match schema: %v", err)
	}
	return nil
}

// schemaMessage returns the first leaf cause of a schema violation.
func schemaMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}

func decodeImport(body []byte) ([]stockimport.Line, error) {
	var (
		batch string
		lines []stockimport.Line
	)
	err := jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "batch":
			v, err := d.Str()
			batch = v
			return err
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				var l stockimport.Line
				err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "store_id":
						l.StoreID, err = d.Str()
					case "product_id":
						l.ProductID, err = d.Str()
					case "quantity":
						l.Quantity, err = d.Int64()
					case "batch":
						l.Batch, err = d.Str()
					default:
						err = d.Skip()
					}
					return err
				})
				lines = append(lines, l)
				return err
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, failure.Validation("malformed request body: %v", err)
	}
	for i := range lines {
		if lines[i].Batch == "" {
			lines[i].Batch = batch
		}
	}
	return lines, nil
}

// importStock records a bulk delivery as one atomic unit. The key needs stock
// write access to every store named in the body.
func (h *Handler) importStock(w http.ResponseWriter, r *http.Request, key *auth.APIKeyInfo) {
	body, err := h.readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := validateImport(body); err != nil {
		h.fail(w, r, err)
		return
	}
	lines, err := decodeImport(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	checked := make(map[string]struct{})
	for _, l := range lines {
		if _, ok := checked[l.StoreID]; ok {
			continue
		}
		if err := key.Authorize(auth.ScopeStockWrite, l.StoreID); err != nil {
			h.fail(w, r, err)
			return
		}
		checked[l.StoreID] = struct{}{}
	}

	report, err := h.Importer.Apply(r.Context(), actorID(key), lines)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("lines")
		e.Int(report.Lines)
		e.FieldStart("added")
		e.Int(report.Added)
		e.FieldStart("restocked")
		e.Int(report.Restocked)
		e.FieldStart("units")
		e.Int64(report.Units)
		e.ObjEnd()
	})
}
