/*
Package cli provides the vosges command line. Every command takes the path of
an experiment definition (.hcl, .yaml or .yml); the experiment's files live in
<Experiment.Root>/<name_code> of the selected configuration.

	vosges run exp.hcl [--dry|--locally|--resume] [--notify]
	vosges stop exp.hcl
	vosges status exp.hcl [--xpath /group/job]
	vosges log exp.hcl [--xpath /group/job] [--stdout|--stderr]
	vosges clean exp.hcl
*/
package cli
