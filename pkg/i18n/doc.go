// Package i18n loads YAML translation catalogs and renders keyed messages.
//
// Catalogs are keyed by language code at the top level and use nested maps
// below it; keys are addressed with dots ("errors.network"). Placeholders use
// the %{name} form. Match negotiates a catalog language from a BCP 47
// preference list using golang.org/x/text/language.
//
//	tr, err := i18n.NewTranslator(ctx, i18n.NewFSAdapter(locales, "locales"))
//	msg := tr.T(tr.Match("es-MX"), "errors.network")
package i18n
