package engine

import (
	"errors"
	"fmt"
	"path"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sitespinner/sitespinner/pkg/alias"
)

// PlanOptions adjusts how a provisioning plan treats existing state.
type PlanOptions struct {
	// Overwrite lets CopyDatabase reuse an existing database and CopyFiles write into a
	// non-empty directory. Undo cannot restore either.
	Overwrite bool
}

// Planner turns resolved aliases into plans.
type Planner struct {
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewPlanner creates a planner.
func NewPlanner(logger zerolog.Logger) *Planner {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("alias")
	})
	return &Planner{
		validate: v,
		logger:   logger.With().Str("component", "planner").Logger(),
	}
}

// siteRequirements are the fields a site must resolve to before anything touches it.
// Alias tags name the document path reported back to the user.
type siteRequirements struct {
	Root     string `alias:"root" validate:"required"`
	URI      string `alias:"uri" validate:"required"`
	Files    string `alias:"path-aliases.%files" validate:"required"`
	Database string `alias:"databases" validate:"required"`
	Driver   string `alias:"databases.driver" validate:"required"`
	Host     string `alias:"databases.host" validate:"required"`
	Name     string `alias:"databases.database" validate:"required"`
	Username string `alias:"databases.username" validate:"required"`
	Password string `alias:"databases.password" validate:"required"`

	BindingType string `alias:"domain-binding.type" validate:"omitempty,oneof=path domain subdomain"`
	BindingName string `alias:"domain-binding.name" validate:"required_with=BindingType"`
}

// sourceRequirements are lighter: a source only needs files and a database to copy.
type sourceRequirements struct {
	Files    string `alias:"path-aliases.%files" validate:"required"`
	Database string `alias:"databases" validate:"required"`
	Driver   string `alias:"databases.driver" validate:"required"`
	Name     string `alias:"databases.database" validate:"required"`
}

// missingFields validates req and returns the offending alias paths, sorted, plus the
// top-level field of the first one.
func (p *Planner) missingFields(req interface{}) (string, []string, error) {
	err := p.validate.Struct(req)
	if err == nil {
		return "", nil, nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "", nil, err
	}

	seen := make(map[string]bool)
	var missing []string
	for _, fe := range verrs {
		name := fe.Field()
		if name == "databases" {
			continue
		}
		if !seen[name] {
			seen[name] = true
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		missing = []string{"databases"}
	}
	sort.Strings(missing)

	field, _, _ := strings.Cut(missing[0], ".")
	for _, m := range missing {
		if strings.HasPrefix(m, "databases") {
			field = "databases"
			break
		}
	}
	return field, missing, nil
}

// Build validates both aliases and returns the six provisioning actions in order.
// No external system is touched.
func (p *Planner) Build(source, dest *alias.ResolvedAlias, opts PlanOptions) (*Plan, error) {
	if source == nil || dest == nil {
		return nil, NewPermanentError("source and destination are required", nil).
			WithCode(ErrCodeValidation)
	}

	srcDB, err := p.checkSource(source)
	if err != nil {
		return nil, err
	}
	destDB, destCfg, err := p.checkDestination(dest)
	if err != nil {
		return nil, err
	}

	srcHost, _ := source.Remote()
	destHost, _ := dest.Remote()
	if srcHost != destHost {
		return nil, NewPermanentError(
			fmt.Sprintf("source host %q and destination host %q differ", srcHost, destHost), nil).
			WithCode(ErrCodeValidation).
			WithResource(dest.Name)
	}

	admin := destCfg.Creator
	if admin.Username == "" {
		admin = alias.Credentials{Username: destDB.Username, Password: destDB.Password}
	}
	settingsPath := dest.SettingsPath()

	plan := &Plan{
		ID:          uuid.New().String(),
		Kind:        RunKindProvision,
		Source:      source,
		Destination: dest,
		CreatedAt:   time.Now(),
		Actions: []Action{
			&fetchLiveVariables{
				source: srcDB,
				names:  destCfg.Variables.Keys(),
			},
			&copyDatabase{
				source:    srcDB,
				dest:      destDB,
				admin:     admin,
				dumpPath:  source.DumpPath(),
				overwrite: opts.Overwrite,
			},
			&copyFiles{
				source:    source.FilesPath(),
				dest:      dest.FilesPath(),
				mode:      destCfg.Server.FilesMode,
				user:      destCfg.Server.User,
				group:     destCfg.Server.Group,
				overwrite: opts.Overwrite,
			},
			&writeSettings{
				template: destCfg.SettingsTemplate,
				target:   settingsPath,
				db:       destDB,
				mode:     destCfg.Server.SettingsMode,
				user:     destCfg.Server.User,
				group:    destCfg.Server.Group,
			},
			&bindDomain{req: bindRequest(dest, destCfg, settingsPath)},
			&applyVariables{
				dest:      destDB,
				overrides: destCfg.Variables,
			},
		},
	}

	p.logger.Debug().
		Str("plan_id", plan.ID).
		Str("source", source.Name).
		Str("destination", dest.Name).
		Msg("provisioning plan built")

	return plan, nil
}

// BuildDeletion returns the steps that remove a provisioned destination.
func (p *Planner) BuildDeletion(dest *alias.ResolvedAlias) (*Plan, error) {
	if dest == nil {
		return nil, NewPermanentError("destination is required", nil).WithCode(ErrCodeValidation)
	}
	destDB, destCfg, err := p.checkDestination(dest)
	if err != nil {
		return nil, err
	}

	admin := destCfg.Creator
	if admin.Username == "" {
		admin = alias.Credentials{Username: destDB.Username, Password: destDB.Password}
	}
	settingsPath := dest.SettingsPath()

	plan := &Plan{
		ID:          uuid.New().String(),
		Kind:        RunKindDelete,
		Destination: dest,
		CreatedAt:   time.Now(),
		Actions: []Action{
			&unbindDomain{req: bindRequest(dest, destCfg, settingsPath)},
			&removeSettings{target: settingsPath, siteDir: siteDirectory(dest.Root(), settingsPath)},
			&removeFiles{dir: dest.FilesPath()},
			&dropDatabase{db: destDB, admin: admin},
		},
	}
	return plan, nil
}

func (p *Planner) checkSource(source *alias.ResolvedAlias) (alias.Database, error) {
	db, found, err := source.Database()
	if err != nil {
		return db, NewPermanentError("invalid source database descriptor", err).
			WithCode(ErrCodeValidation).
			WithResource(source.Name)
	}
	req := sourceRequirements{
		Files:  source.FilesPath(),
		Driver: db.Driver,
		Name:   db.Name,
	}
	if found {
		req.Database = "present"
	}
	field, missing, err := p.missingFields(req)
	if err != nil {
		return db, err
	}
	if len(missing) > 0 {
		return db, &IncompleteSourceError{Alias: source.Name, Field: field, Missing: missing}
	}
	return db, nil
}

func (p *Planner) checkDestination(dest *alias.ResolvedAlias) (alias.Database, alias.DestinationConfig, error) {
	db, found, err := dest.Database()
	if err != nil {
		return db, alias.DestinationConfig{}, NewPermanentError("invalid destination database descriptor", err).
			WithCode(ErrCodeValidation).
			WithResource(dest.Name)
	}
	cfg, err := dest.Destination()
	if err != nil {
		return db, cfg, NewPermanentError("invalid destination-config", err).
			WithCode(ErrCodeValidation).
			WithResource(dest.Name)
	}

	req := siteRequirements{
		Root:        dest.Root(),
		URI:         dest.URI(),
		Files:       dest.FilesPath(),
		Driver:      db.Driver,
		Host:        db.Host,
		Name:        db.Name,
		Username:    db.Username,
		Password:    db.Password,
		BindingType: string(cfg.Binding.Type),
		BindingName: cfg.Binding.Name,
	}
	if found {
		req.Database = "present"
	}
	field, missing, err := p.missingFields(req)
	if err != nil {
		return db, cfg, err
	}
	if len(missing) > 0 {
		return db, cfg, &IncompleteDestinationError{Alias: dest.Name, Field: field, Missing: missing}
	}
	return db, cfg, nil
}

func bindRequest(dest *alias.ResolvedAlias, cfg alias.DestinationConfig, settingsPath string) BindRequest {
	return BindRequest{
		Binding: cfg.Binding,
		Root:    dest.Root(),
		SiteDir: path.Base(path.Dir(settingsPath)),
		URI:     dest.URI(),
	}
}

// siteDirectory returns the directory holding settingsPath when it is a per-site
// directory under root/sites, and "" otherwise so that shared directories survive.
func siteDirectory(root, settingsPath string) string {
	dir := path.Dir(settingsPath)
	if path.Dir(dir) != path.Join(root, "sites") {
		return ""
	}
	if base := path.Base(dir); base == "default" || base == "all" {
		return ""
	}
	return dir
}
