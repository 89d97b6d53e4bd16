// Package federation lets independently owned sites share content
// without a central authority. Sites are named by addresses like
// films@alice.lens.local and recognized by their signing key. A site
// announces releases through the replicated relay store, and other sites
// mirror what they want as content pointers.
package federation
