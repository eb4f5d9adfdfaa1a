package jobs

import (
	"context"
	"errors"
	"strings"

	"github.com/shawnpdoherty/beaker/internal/errs"
	"github.com/shawnpdoherty/beaker/internal/models"
	"github.com/shawnpdoherty/beaker/internal/store"
)

// ResolveTagProduct applies the retention tag and product pairing rule. An
// empty tag means the default tag. A tag that needs a product must get a
// known one; any other tag must get none. The resolved product name is
// empty when the tag takes no product.
func ResolveTagProduct(ctx context.Context, reg store.Registry, tag, product string) (models.RetentionTag, string, error) {
	var (
		rt  models.RetentionTag
		err error
	)
	if tag == "" {
		rt, err = reg.DefaultRetentionTag(ctx)
	} else {
		rt, err = reg.RetentionTagByName(ctx, strings.ToLower(tag))
	}
	if errors.Is(err, errs.ErrNotFound) {
		all, lerr := reg.RetentionTags(ctx)
		if lerr != nil {
			return rt, "", lerr
		}
		return rt, "", errs.Validation("Invalid retention_tag attribute passed. Needs to be one of %s. You gave: %s",
			tagNames(all, func(models.RetentionTag) bool { return true }), tag)
	}
	if err != nil {
		return rt, "", err
	}

	switch {
	case product == "" && rt.NeedsProduct:
		all, err := reg.RetentionTags(ctx)
		if err != nil {
			return rt, "", err
		}
		return rt, "", errs.Validation("You've selected a tag which needs a product associated with it, alternatively you could use one of the following tags %s",
			tagNames(all, func(t models.RetentionTag) bool { return !t.NeedsProduct }))
	case product != "" && !rt.NeedsProduct:
		all, err := reg.RetentionTags(ctx)
		if err != nil {
			return rt, "", err
		}
		return rt, "", errs.Validation("Cannot specify a product with tag %s, please use %s as a tag",
			rt.Tag, tagNames(all, func(t models.RetentionTag) bool { return t.NeedsProduct }))
	case product == "":
		return rt, "", nil
	}

	p, err := reg.ProductByName(ctx, product)
	if errors.Is(err, errs.ErrNotFound) {
		return rt, "", errs.Validation("You entered an invalid product name: %s", product)
	}
	if err != nil {
		return rt, "", err
	}
	return rt, p.Name, nil
}

func tagNames(tags []models.RetentionTag, keep func(models.RetentionTag) bool) string {
	var names []string
	for _, t := range tags {
		if keep(t) {
			names = append(names, t.Tag)
		}
	}
	return strings.Join(names, ",")
}
