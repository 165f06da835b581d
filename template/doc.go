// Post templates: text with placeholder tokens plus category and tone
// metadata.
//
// Includes the read interface used when picking a template, implementations
// backed by process memory and by a SQL database (via gorm), and TSV
// import/export tooling.
package template
