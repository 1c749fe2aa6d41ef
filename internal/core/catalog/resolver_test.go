package catalog

import (
	"context"
	"io"
	"log/slog"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/google/uuid"
)

// mockStore is an in-memory implementation of Store. Aliases are kept
// as binding lists per lowercased text, mirroring the per
// (lower(raw_text), product_id) uniqueness of the real table.
type mockStore struct {
	products        map[uuid.UUID]*Product
	aliases         map[string][]*Alias
	candidates      map[string]*Candidate
	categories      map[string]*Category
	defaultCategory Category
}

func newMockStore() *mockStore {
	return &mockStore{
		products:   make(map[uuid.UUID]*Product),
		aliases:    make(map[string][]*Alias),
		candidates: make(map[string]*Candidate),
		categories: make(map[string]*Category),
		defaultCategory: Category{
			ID:   uuid.New(),
			Name: DefaultCategoryName,
		},
	}
}

func (m *mockStore) addProduct(name string, synonyms ...string) *Product {
	p := &Product{
		ID:       uuid.New(),
		Name:     name,
		Synonyms: synonyms,
	}
	m.products[p.ID] = p
	return p
}

func (m *mockStore) addAlias(rawText string, productID uuid.UUID) *Alias {
	a := &Alias{
		ID:                uuid.New(),
		RawText:           rawText,
		ProductID:         productID,
		ConfirmationCount: 1,
	}
	key := strings.ToLower(rawText)
	m.aliases[key] = append(m.aliases[key], a)
	return a
}

func (m *mockStore) addCategory(name string) *Category {
	c := &Category{
		ID:   uuid.New(),
		Name: name,
	}
	m.categories[strings.ToLower(name)] = c
	return c
}

func (m *mockStore) GetProduct(_ context.Context, id uuid.UUID) (*Product, error) {
	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockStore) ListProducts(context.Context) ([]*Product, error) {
	out := make([]*Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	return out, nil
}

func (m *mockStore) ListAliases(context.Context) ([]*Alias, error) {
	out := []*Alias{}
	for _, bindings := range m.aliases {
		out = append(out, bindings...)
	}
	return out, nil
}

func (m *mockStore) TouchAlias(_ context.Context, rawText string) (*Alias, error) {
	bindings, ok := m.aliases[strings.ToLower(rawText)]
	if !ok {
		return nil, ErrNotFound
	}
	strongest := bindings[0]
	for _, a := range bindings[1:] {
		if a.ConfirmationCount > strongest.ConfirmationCount {
			strongest = a
		}
	}
	strongest.ConfirmationCount++
	return strongest, nil
}

func (m *mockStore) UpsertAlias(_ context.Context, rawText string, productID uuid.UUID, shopID, userID *uuid.UUID) (*Alias, error) {
	key := strings.ToLower(rawText)
	for _, a := range m.aliases[key] {
		if a.ProductID == productID {
			a.ConfirmationCount++
			return a, nil
		}
	}
	a := &Alias{
		ID:                uuid.New(),
		RawText:           rawText,
		ProductID:         productID,
		ConfirmationCount: 1,
		ShopID:            shopID,
		UserID:            userID,
	}
	m.aliases[key] = append(m.aliases[key], a)
	return a, nil
}

func (m *mockStore) UpsertCandidate(_ context.Context, name string, suggestedCategoryID *uuid.UUID) (*Candidate, error) {
	key := strings.ToLower(name)
	if c, ok := m.candidates[key]; ok {
		if c.Status == CandidatePending {
			c.ConfirmationCount++
		}
		if c.SuggestedCategoryID == nil {
			c.SuggestedCategoryID = suggestedCategoryID
		}
		return c, nil
	}
	c := &Candidate{
		ID:                  uuid.New(),
		RepresentativeName:  name,
		ConfirmationCount:   1,
		SuggestedCategoryID: suggestedCategoryID,
		Status:              CandidatePending,
	}
	m.candidates[key] = c
	return c, nil
}

func (m *mockStore) ListPendingCandidates(context.Context) ([]*Candidate, error) {
	out := []*Candidate{}
	for _, c := range m.candidates {
		if c.Status == CandidatePending {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockStore) PromoteCandidate(_ context.Context, candidate *Candidate, categoryID *uuid.UUID) (*Product, error) {
	if candidate.SuggestedCategoryID != nil {
		categoryID = candidate.SuggestedCategoryID
	}
	p := &Product{
		ID:         uuid.New(),
		Name:       candidate.RepresentativeName,
		CategoryID: categoryID,
	}
	m.products[p.ID] = p
	candidate.Status = CandidateApproved
	candidate.ProductID = &p.ID
	key := strings.ToLower(candidate.RepresentativeName)
	m.aliases[key] = append(m.aliases[key], &Alias{
		ID:                uuid.New(),
		RawText:           candidate.RepresentativeName,
		ProductID:         p.ID,
		ConfirmationCount: candidate.ConfirmationCount,
	})
	return p, nil
}

func (m *mockStore) CategoryByName(_ context.Context, name string) (*Category, error) {
	c, ok := m.categories[strings.ToLower(name)]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *mockStore) DefaultCategory(context.Context) (*Category, error) {
	return &m.defaultCategory, nil
}

func text(raw string) ResolveInput {
	return ResolveInput{RawText: raw}
}

var _ = Describe("Resolver", func() {
	var (
		store    *mockStore
		resolver *Resolver
		ctx      context.Context
	)

	BeforeEach(func() {
		store = newMockStore()
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		resolver = NewResolver(store, logger, 0.70, 3)
		ctx = context.Background()
	})

	It("rejects text that normalizes to nothing", func() {
		_, err := resolver.Resolve(ctx, text("   "))
		Expect(err).To(MatchError(ErrEmptyText))
	})

	Context("with a known alias", func() {
		var product *Product

		BeforeEach(func() {
			product = store.addProduct("Whole Milk")
			store.addAlias("whole milk 1l", product.ID)
		})

		It("resolves on the exact tier with full confidence", func() {
			res, err := resolver.Resolve(ctx, text("Whole  Milk 1L"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Tier).To(Equal(TierExact))
			Expect(res.Confidence).To(Equal(ConfidenceExact))
			Expect(*res.ProductID).To(Equal(product.ID))
		})

		It("counts the hit as a confirmation", func() {
			_, err := resolver.Resolve(ctx, text("whole milk 1l"))
			Expect(err).NotTo(HaveOccurred())
			Expect(store.aliases["whole milk 1l"][0].ConfirmationCount).To(Equal(2))
		})

		It("resolves to the most confirmed binding of an ambiguous text", func() {
			other := store.addProduct("Whole Milk Organic")
			rebound := store.addAlias("whole milk 1l", other.ID)
			rebound.ConfirmationCount = 5

			res, err := resolver.Resolve(ctx, text("whole milk 1l"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Tier).To(Equal(TierExact))
			Expect(*res.ProductID).To(Equal(other.ID))
			Expect(rebound.ConfirmationCount).To(Equal(6))
			Expect(store.aliases["whole milk 1l"][0].ConfirmationCount).To(Equal(1))
		})

		It("falls back to the default category when the product has none", func() {
			res, err := resolver.Resolve(ctx, text("whole milk 1l"))
			Expect(err).NotTo(HaveOccurred())
			Expect(*res.CategoryID).To(Equal(store.defaultCategory.ID))
		})
	})

	Context("with a close product name but no alias", func() {
		var product *Product

		BeforeEach(func() {
			product = store.addProduct("Bananas")
		})

		It("binds a new alias on the fuzzy tier", func() {
			res, err := resolver.Resolve(ctx, text("Banamas"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Tier).To(Equal(TierFuzzy))
			Expect(res.Confidence).To(Equal(ConfidenceFuzzy))
			Expect(*res.ProductID).To(Equal(product.ID))
			Expect(store.aliases).To(HaveKey("banamas"))
		})

		It("keeps the sighting context on the new alias", func() {
			shopID := uuid.New()
			userID := uuid.New()
			_, err := resolver.Resolve(ctx, ResolveInput{
				RawText: "Banamas",
				ShopID:  &shopID,
				UserID:  &userID,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(*store.aliases["banamas"][0].ShopID).To(Equal(shopID))
			Expect(*store.aliases["banamas"][0].UserID).To(Equal(userID))
		})

		It("binds through a close known alias when the canonical name is far", func() {
			coke := store.addProduct("Coke Zero")
			store.addAlias("coca cola zero 0.5l pet", coke.ID)

			res, err := resolver.Resolve(ctx, text("coca cola zero 0.5 pet"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Tier).To(Equal(TierFuzzy))
			Expect(*res.ProductID).To(Equal(coke.ID))
			Expect(store.aliases).To(HaveKey("coca cola zero 0.5 pet"))
		})

		It("matches against synonyms too", func() {
			p := store.addProduct("Toilet Paper", "WC Papier")
			res, err := resolver.Resolve(ctx, text("wc papier 10x"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Tier).To(Equal(TierFuzzy))
			Expect(*res.ProductID).To(Equal(p.ID))
		})

		It("resolves exactly on the next sighting of the same text", func() {
			_, err := resolver.Resolve(ctx, text("Banamas"))
			Expect(err).NotTo(HaveOccurred())

			res, err := resolver.Resolve(ctx, text("Banamas"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Tier).To(Equal(TierExact))
		})
	})

	Context("with unrecognized text", func() {
		It("parks it in the candidate ledger", func() {
			res, err := resolver.Resolve(ctx, text("Xylophon Brand Snack"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Tier).To(Equal(TierCandidate))
			Expect(res.Confidence).To(Equal(ConfidenceCandidate))
			Expect(res.ProductID).To(BeNil())
			Expect(*res.CategoryID).To(Equal(store.defaultCategory.ID))
		})

		It("records a recognized category suggestion on the candidate", func() {
			snacks := store.addCategory("Snacks")
			res, err := resolver.Resolve(ctx, ResolveInput{
				RawText:      "Xylophon Brand Snack",
				CategoryHint: "snacks",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(*res.CategoryID).To(Equal(snacks.ID))
			Expect(*store.candidates["xylophon brand snack"].SuggestedCategoryID).To(Equal(snacks.ID))
		})

		It("drops an unrecognized category suggestion", func() {
			res, err := resolver.Resolve(ctx, ResolveInput{
				RawText:      "Xylophon Brand Snack",
				CategoryHint: "No Such Aisle",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(*res.CategoryID).To(Equal(store.defaultCategory.ID))
			Expect(store.candidates["xylophon brand snack"].SuggestedCategoryID).To(BeNil())
		})

		It("merges near-identical spellings onto one candidate", func() {
			_, err := resolver.Resolve(ctx, text("Xylophon Brand Snack"))
			Expect(err).NotTo(HaveOccurred())

			_, err = resolver.Resolve(ctx, text("Xylophon Brand Snacks"))
			Expect(err).NotTo(HaveOccurred())

			Expect(store.candidates).To(HaveLen(1))
			Expect(store.candidates["xylophon brand snack"].ConfirmationCount).To(Equal(2))
		})

		It("promotes the candidate once it has been seen enough times", func() {
			for i := 0; i < 2; i++ {
				res, err := resolver.Resolve(ctx, text("Xylophon Brand Snack"))
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Tier).To(Equal(TierCandidate))
			}

			res, err := resolver.Resolve(ctx, text("Xylophon Brand Snack"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Tier).To(Equal(TierPromoted))
			Expect(res.Confidence).To(Equal(ConfidencePromoted))
			Expect(res.ProductID).NotTo(BeNil())

			product, getErr := store.GetProduct(ctx, *res.ProductID)
			Expect(getErr).NotTo(HaveOccurred())
			Expect(product.Name).To(Equal("xylophon brand snack"))
		})

		It("links the approved candidate to its product", func() {
			for i := 0; i < 3; i++ {
				_, err := resolver.Resolve(ctx, text("Xylophon Brand Snack"))
				Expect(err).NotTo(HaveOccurred())
			}

			candidate := store.candidates["xylophon brand snack"]
			Expect(candidate.Status).To(Equal(CandidateApproved))
			Expect(candidate.ProductID).NotTo(BeNil())
		})

		It("categorizes the promoted product from the candidate's suggestion", func() {
			snacks := store.addCategory("Snacks")
			in := ResolveInput{RawText: "Xylophon Brand Snack", CategoryHint: "Snacks"}
			for i := 0; i < 2; i++ {
				_, err := resolver.Resolve(ctx, in)
				Expect(err).NotTo(HaveOccurred())
			}

			res, err := resolver.Resolve(ctx, in)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Tier).To(Equal(TierPromoted))
			Expect(*res.CategoryID).To(Equal(snacks.ID))
		})

		It("resolves exactly after promotion", func() {
			for i := 0; i < 3; i++ {
				_, err := resolver.Resolve(ctx, text("Xylophon Brand Snack"))
				Expect(err).NotTo(HaveOccurred())
			}

			res, err := resolver.Resolve(ctx, text("Xylophon Brand Snack"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Tier).To(Equal(TierExact))
		})
	})
})
